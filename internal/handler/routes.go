package handler

import "github.com/gorilla/mux"

// RegisterRoutes mounts the health check and the /api/v1 routes on r.
func (h *FeedHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/feeds", h.CreateFeed).Methods("POST")
	api.HandleFunc("/feeds", h.ListFeeds).Methods("GET")
	api.HandleFunc("/feeds/{id:[0-9]+}", h.GetFeed).Methods("GET")
	api.HandleFunc("/feeds/{id:[0-9]+}", h.DeleteFeed).Methods("DELETE")
	api.HandleFunc("/feeds/{id:[0-9]+}/update", h.UpdateFeed).Methods("POST")
	api.HandleFunc("/feeds/{id:[0-9]+}/update-async", h.UpdateFeedAsync).Methods("POST")
	api.HandleFunc("/feeds/{id:[0-9]+}/items", h.ListFeedItems).Methods("GET")
	api.HandleFunc("/tasks/{id}", h.TaskStatus).Methods("GET")
	api.HandleFunc("/refresh", h.Refresh).Methods("POST")
	api.HandleFunc("/items", h.ListItems).Methods("GET")
	api.HandleFunc("/items/{id:[0-9]+}", h.GetItem).Methods("GET")
}

package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	DefaultAIBaseURL  = "https://api.deepseek.com/v1"
	DefaultAIModel    = "deepseek-chat"
	DefaultAILanguage = "Chinese"
)

var aiEnvKeys = []string{"AI_API_TOKEN", "AI_API_BASE_URL", "AI_MODEL", "AI_SUMMARY_LANGUAGE"}

// AISettings configures the enrichment client. An empty Token disables it.
type AISettings struct {
	Token    string
	BaseURL  string
	Model    string
	Language string
}

func (s AISettings) Enabled() bool {
	return s.Token != ""
}

// Credentials is the layout of the TOML credentials file.
type Credentials struct {
	AI AICredentials `toml:"ai"`
}

type AICredentials struct {
	APIToken string `toml:"api_token"`
	BaseURL  string `toml:"base_url"`
	Model    string `toml:"model"`
	Language string `toml:"language"`
}

// ReadCredentials reads the credentials file. A missing file yields empty
// credentials and no error.
func ReadCredentials(path string) (Credentials, error) {
	var creds Credentials
	if path == "" {
		return creds, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return creds, nil
		}
		return creds, err
	}

	if _, err := toml.Decode(string(data), &creds); err != nil {
		return creds, fmt.Errorf("failed to decode credentials at %s: %w", path, err)
	}
	return creds, nil
}

// AIProvider holds the current AI settings and rebuilds them on Reload.
// Sources are layered: defaults, the env file, the process environment,
// then the credentials file.
type AIProvider struct {
	envFile         string
	credentialsFile string
	processEnv      map[string]string
	logger          *zap.Logger

	mu       sync.RWMutex
	settings AISettings
}

func NewAIProvider(cfg *Config, logger *zap.Logger) *AIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &AIProvider{
		envFile:         cfg.EnvFile,
		credentialsFile: cfg.CredentialsFile,
		processEnv:      cfg.aiEnv,
		logger:          logger.Named("ai-config"),
	}
	if p.processEnv == nil {
		p.processEnv = snapshotAIEnv()
	}
	if err := p.Reload(); err != nil {
		p.logger.Warn("failed to load AI settings", zap.Error(err))
	}
	return p
}

// AISettings returns a snapshot of the current settings.
func (p *AIProvider) AISettings() AISettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Reload re-reads every source. On a credentials decode error the previous
// settings are kept.
func (p *AIProvider) Reload() error {
	next := AISettings{
		BaseURL:  DefaultAIBaseURL,
		Model:    DefaultAIModel,
		Language: DefaultAILanguage,
	}

	if p.envFile != "" {
		fileEnv, err := godotenv.Read(p.envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("failed to read env file", zap.String("path", p.envFile), zap.Error(err))
		}
		applyEnv(&next, fileEnv)
	}
	applyEnv(&next, p.processEnv)

	creds, err := ReadCredentials(p.credentialsFile)
	if err != nil {
		return err
	}
	applyCredentials(&next, creds.AI)

	next.BaseURL = strings.TrimRight(next.BaseURL, "/")

	p.mu.Lock()
	prev := p.settings
	p.settings = next
	p.mu.Unlock()

	if prev.Token != next.Token {
		p.logger.Info("AI token changed", zap.Bool("enabled", next.Enabled()))
	}
	if prev.BaseURL != next.BaseURL || prev.Model != next.Model {
		p.logger.Debug("AI endpoint configured",
			zap.String("base_url", next.BaseURL),
			zap.String("model", next.Model))
	}
	return nil
}

// Watch reloads settings whenever the env file or the credentials file
// changes. It blocks until ctx is done.
func (p *AIProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	targets := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, path := range []string{p.envFile, p.credentialsFile} {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	// Watch directories so files replaced by rename are still seen.
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			p.logger.Warn("cannot watch directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !targets[name] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn("reload after file change failed",
					zap.String("path", name), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func applyEnv(s *AISettings, env map[string]string) {
	if v := env["AI_API_TOKEN"]; v != "" {
		s.Token = v
	}
	if v := env["AI_API_BASE_URL"]; v != "" {
		s.BaseURL = v
	}
	if v := env["AI_MODEL"]; v != "" {
		s.Model = v
	}
	if v := env["AI_SUMMARY_LANGUAGE"]; v != "" {
		s.Language = v
	}
}

func applyCredentials(s *AISettings, c AICredentials) {
	if c.APIToken != "" {
		s.Token = c.APIToken
	}
	if c.BaseURL != "" {
		s.BaseURL = c.BaseURL
	}
	if c.Model != "" {
		s.Model = c.Model
	}
	if c.Language != "" {
		s.Language = c.Language
	}
}

func snapshotAIEnv() map[string]string {
	env := make(map[string]string, len(aiEnvKeys))
	for _, key := range aiEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}

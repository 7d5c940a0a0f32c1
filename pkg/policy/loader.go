package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads policies from .rego and .json files and can watch a
// directory for changes.
type Loader struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	cache   map[string]*Policy
	watcher *fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadDir loads every policy file under dir. Unreadable or malformed files
// are logged and skipped so one bad policy cannot take validation down.
func (l *Loader) LoadDir(_ context.Context, dir string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".rego") && !strings.HasSuffix(path, ".json") {
			return nil
		}

		policy, err := l.loadFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", err)
	}

	l.logger.Info().Int("count", len(policies)).Str("dir", dir).Msg("Policies loaded")
	return policies, nil
}

// loadFile reads one policy file, consulting the cache first.
func (l *Loader) loadFile(path string) (*Policy, error) {
	l.mu.RLock()
	if cached, ok := l.cache[path]; ok {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		policy = parseRegoFile(path, data)
	case strings.HasSuffix(path, ".json"):
		policy, err = parseJSONPolicy(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy file type: %s", path)
	}

	l.mu.Lock()
	l.cache[path] = policy
	l.mu.Unlock()

	return policy, nil
}

// parseRegoFile wraps raw Rego in a Policy, taking the name from the file
// and the description from leading comments.
func parseRegoFile(path string, data []byte) *Policy {
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// parseJSONPolicy decodes a full Policy definition.
func parseJSONPolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = time.Now()
	}
	return &policy, nil
}

// leadingComment collects the comment block at the top of a Rego file.
func leadingComment(content string) string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" {
				if b.Len() > 0 {
					b.WriteString(" ")
				}
				b.WriteString(comment)
			}
			continue
		}
		if trimmed != "" {
			break
		}
	}
	return b.String()
}

// Watch reloads policies from dir whenever a policy file changes. Reload
// events are debounced so editors that write multiple times trigger one
// reload. Watching stops when the context is cancelled.
func (l *Loader) Watch(ctx context.Context, dir string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}
	l.watcher = watcher

	go l.processEvents(ctx, dir, reloadFn)
	l.logger.Info().Str("dir", dir).Msg("Watching policy directory")
	return nil
}

// processEvents consumes watcher events until the context ends.
func (l *Loader) processEvents(ctx context.Context, dir string, reloadFn func([]Policy) error) {
	const debounce = 500 * time.Millisecond
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") && !strings.HasSuffix(event.Name, ".json") {
				continue
			}

			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(debounce, func() {
				policies, err := l.LoadDir(ctx, dir)
				if err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
					return
				}
				if err := reloadFn(policies); err != nil {
					l.logger.Error().Err(err).Msg("Failed to apply reloaded policies")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching closes the file watcher.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

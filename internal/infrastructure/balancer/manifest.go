package balancer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/nimbusllm/gateway/pkg/errors"
	"github.com/nimbusllm/gateway/pkg/safego"

	"github.com/nimbusllm/gateway/internal/infrastructure/backend"
)

// MemberSpec is one entry in the pool manifest.
type MemberSpec struct {
	ID            string `yaml:"id"`
	URL           string `yaml:"url"`
	Type          string `yaml:"type"`
	Token         string `yaml:"token"`
	Model         string `yaml:"model"`
	Weight        int    `yaml:"weight"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// Manifest is the backends.yaml document.
type Manifest struct {
	Members []MemberSpec `yaml:"members"`
}

// LoadManifest reads and validates a pool manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "read pool manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindSerialization, "parse pool manifest")
	}

	seen := make(map[string]bool, len(m.Members))
	for i, spec := range m.Members {
		if spec.ID == "" {
			return nil, apperrors.NewSerialization(fmt.Sprintf("pool manifest member %d missing id", i))
		}
		if seen[spec.ID] {
			return nil, apperrors.NewSerialization(fmt.Sprintf("pool manifest member %q duplicated", spec.ID))
		}
		seen[spec.ID] = true
		if spec.URL == "" {
			return nil, apperrors.NewSerialization(fmt.Sprintf("pool manifest member %q missing url", spec.ID))
		}
	}
	return &m, nil
}

// BuildMember constructs a pool member from its manifest entry. The
// entry's type routes through adapter selection the same way the
// force_adapter option does.
func BuildMember(spec MemberSpec, client *http.Client, logger *zap.Logger) *Member {
	cfg := backend.Config{
		BaseURL: spec.URL,
		ModelID: spec.Model,
		Token:   spec.Token,
	}
	adapter := backend.Select(cfg, spec.Type, client, logger)
	return NewMember(MemberConfig{
		ID:            spec.ID,
		Weight:        spec.Weight,
		MaxConcurrent: spec.MaxConcurrent,
	}, adapter)
}

// ManifestWatcher applies backends.yaml to the pool and hot-reloads it
// when the file changes. Members keep their health state across
// reloads unless their entry changed.
type ManifestWatcher struct {
	path    string
	pool    *Pool
	client  *http.Client
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	applied map[string]MemberSpec
}

// NewManifestWatcher builds a watcher for the manifest at path.
func NewManifestWatcher(path string, pool *Pool, client *http.Client, logger *zap.Logger) (*ManifestWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperrors.NewInternalWithCause("create manifest watcher", err)
	}
	return &ManifestWatcher{
		path:    path,
		pool:    pool,
		client:  client,
		logger:  logger.With(zap.String("component", "manifest_watcher")),
		watcher: w,
		applied: make(map[string]MemberSpec),
	}, nil
}

// Apply loads the manifest and reconciles the pool with it: new
// entries are added, changed entries replaced, absent entries removed.
func (mw *ManifestWatcher) Apply() error {
	manifest, err := LoadManifest(mw.path)
	if err != nil {
		return err
	}

	mw.mu.Lock()
	defer mw.mu.Unlock()

	keep := make(map[string]bool, len(manifest.Members))
	for _, spec := range manifest.Members {
		keep[spec.ID] = true
		if prev, ok := mw.applied[spec.ID]; ok && prev == spec {
			continue
		}
		mw.pool.Add(BuildMember(spec, mw.client, mw.logger))
		mw.applied[spec.ID] = spec
	}
	for id := range mw.applied {
		if !keep[id] {
			mw.pool.Remove(id)
			delete(mw.applied, id)
		}
	}

	mw.logger.Info("pool manifest applied",
		zap.String("path", mw.path),
		zap.Int("members", mw.pool.Len()))
	return nil
}

// Watch reloads the manifest on file changes until ctx ends. Editors
// often replace the file wholesale, so the parent directory is watched
// and events are filtered by name.
func (mw *ManifestWatcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(mw.path)
	if err := mw.watcher.Add(dir); err != nil {
		return apperrors.NewInternalWithCause("watch manifest directory", err)
	}

	safego.Go(mw.logger, "manifest_watcher", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-mw.watcher.Events:
				if !ok {
					return
				}
				mw.handleEvent(event)
			case err, ok := <-mw.watcher.Errors:
				if !ok {
					return
				}
				mw.logger.Error("manifest watcher error", zap.Error(err))
			}
		}
	})

	mw.logger.Info("manifest hot-reload started", zap.String("path", mw.path))
	return nil
}

func (mw *ManifestWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(mw.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	mw.logger.Info("pool manifest changed, reloading", zap.String("op", event.Op.String()))
	if err := mw.Apply(); err != nil {
		mw.logger.Error("manifest reload failed, keeping previous pool", zap.Error(err))
	}
}

// Close stops the underlying file watcher.
func (mw *ManifestWatcher) Close() error {
	return mw.watcher.Close()
}

// Package agentreg provides the agent-definition registry boundary.
// The orchestration core only consumes the read API; persona storage
// formats never leak past this package.
package agentreg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"ensemble/internal/domain"
)

// FileRegistry loads agent persona definitions from per-agent YAML files in
// a directory. The loaded snapshot is immutable; Reload builds a new
// snapshot off the hot path and publishes it atomically, so in-flight turns
// never observe a half-updated registry.
type FileRegistry struct {
	dir      string
	bus      domain.EventBus
	logger   *slog.Logger
	snapshot atomic.Pointer[domain.RegistrySnapshot]
	version  atomic.Uint64
	reloads  singleflight.Group
}

// NewFileRegistry creates a registry over dir and performs the initial load.
func NewFileRegistry(ctx context.Context, dir string, bus domain.EventBus, logger *slog.Logger) (*FileRegistry, error) {
	r := &FileRegistry{dir: dir, bus: bus, logger: logger}
	if _, err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot implements domain.AgentRegistry.
func (r *FileRegistry) Snapshot() *domain.RegistrySnapshot {
	return r.snapshot.Load()
}

// Get implements domain.AgentRegistry.
func (r *FileRegistry) Get(key string) (domain.AgentProfile, error) {
	snap := r.snapshot.Load()
	if p, ok := snap.Get(key); ok {
		return p, nil
	}
	return domain.AgentProfile{}, domain.NewDomainError("FileRegistry.Get", domain.ErrNotFound, key)
}

// Reload implements domain.AgentRegistry. The new snapshot is built fully
// before being published. Concurrent reload requests collapse into one
// directory scan.
func (r *FileRegistry) Reload(ctx context.Context) (uint64, error) {
	v, err, _ := r.reloads.Do("reload", func() (any, error) {
		return r.reload(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (r *FileRegistry) reload(ctx context.Context) (uint64, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, domain.NewDomainError("FileRegistry.Reload", domain.ErrRegistryReload, err.Error())
	}

	seen := make(map[string]bool)
	var profiles []domain.AgentProfile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			r.logger.Warn("skip unreadable persona file", "file", entry.Name(), "error", err)
			continue
		}

		var profile domain.AgentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			r.logger.Warn("skip invalid persona file", "file", entry.Name(), "error", err)
			continue
		}
		if profile.Key == "" {
			r.logger.Warn("skip persona file with empty key", "file", entry.Name())
			continue
		}
		if seen[profile.Key] {
			return 0, domain.NewDomainError("FileRegistry.Reload", domain.ErrRegistryReload,
				fmt.Sprintf("duplicate agent key %q", profile.Key))
		}
		seen[profile.Key] = true
		profiles = append(profiles, profile)
	}

	// Declared priority order, then key, is the router's tie-break of
	// last resort, so the snapshot carries it pre-sorted.
	sort.SliceStable(profiles, func(i, j int) bool {
		if profiles[i].Priority != profiles[j].Priority {
			return profiles[i].Priority > profiles[j].Priority
		}
		return profiles[i].Key < profiles[j].Key
	})

	version := r.version.Add(1)
	r.snapshot.Store(&domain.RegistrySnapshot{Version: version, Profiles: profiles})
	r.logger.Info("agent registry loaded", "version", version, "agents", len(profiles))
	r.publishReloaded(ctx, version, len(profiles))

	return version, nil
}

func (r *FileRegistry) publishReloaded(ctx context.Context, version uint64, count int) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"version": version, "agents": count})
	if err != nil {
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      domain.EventRegistryReloaded,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// StaticRegistry serves a fixed profile set. Intended for tests and
// embedded setups.
type StaticRegistry struct {
	snapshot atomic.Pointer[domain.RegistrySnapshot]
	version  atomic.Uint64
}

// NewStaticRegistry creates a registry over the given profiles.
func NewStaticRegistry(profiles []domain.AgentProfile) *StaticRegistry {
	r := &StaticRegistry{}
	r.store(profiles)
	return r
}

func (r *StaticRegistry) store(profiles []domain.AgentProfile) {
	sorted := append([]domain.AgentProfile(nil), profiles...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Key < sorted[j].Key
	})
	version := r.version.Add(1)
	r.snapshot.Store(&domain.RegistrySnapshot{Version: version, Profiles: sorted})
}

// Snapshot implements domain.AgentRegistry.
func (r *StaticRegistry) Snapshot() *domain.RegistrySnapshot {
	return r.snapshot.Load()
}

// Get implements domain.AgentRegistry.
func (r *StaticRegistry) Get(key string) (domain.AgentProfile, error) {
	if p, ok := r.snapshot.Load().Get(key); ok {
		return p, nil
	}
	return domain.AgentProfile{}, domain.NewDomainError("StaticRegistry.Get", domain.ErrNotFound, key)
}

// Reload implements domain.AgentRegistry. Static snapshots only bump the
// version.
func (r *StaticRegistry) Reload(context.Context) (uint64, error) {
	r.store(r.snapshot.Load().Profiles)
	return r.snapshot.Load().Version, nil
}

// Replace swaps in a new profile set (tests only).
func (r *StaticRegistry) Replace(profiles []domain.AgentProfile) {
	r.store(profiles)
}

// Compile-time interface checks.
var (
	_ domain.AgentRegistry = (*FileRegistry)(nil)
	_ domain.AgentRegistry = (*StaticRegistry)(nil)
)

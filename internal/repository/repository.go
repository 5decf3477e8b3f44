// Package repository implements the durable tracked-record store:
// TrackedRecords, preserved-hostname patterns, and managed hostnames,
// persisted as JSON under CONFIG_DIR and guarded by the same gofrs/flock
// advisory-lock/stale-lock discipline as internal/settings.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/elmerfds/trafegodns/internal/model"
)

// lockStaleAfter is the wall-clock age after which a held repository lock
// is considered abandoned.
const lockStaleAfter = 2 * time.Minute

// lockForceTakeoverAfter is the outer bound before a forced take-over
// regardless of the lock's own staleness accounting.
const lockForceTakeoverAfter = 10 * time.Minute

const lockAcquireTimeout = 5 * time.Second

// document is the on-disk representation of the whole store: dns_records, preserved_hostnames,
// managed_hostnames. Providers/tunnels/settings live in their own stores.
type document struct {
	Records   []model.TrackedRecord   `json:"dns_records"`
	Preserved []string                `json:"preserved_hostnames"`
	Managed   []model.ManagedHostname `json:"managed_hostnames"`
	Ingress   []model.IngressRoute    `json:"ingress_routes"`
}

// Repository is the tracked-record store.
type Repository struct {
	configDir string
	logger    *slog.Logger

	mu  sync.RWMutex
	doc document
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

func (r *Repository) dataPath() string { return filepath.Join(r.configDir, "repository.json") }
func (r *Repository) lockPath() string { return filepath.Join(r.configDir, "repository.lock") }

// Open loads (or initializes) the repository file under configDir.
func Open(configDir string, opts ...Option) (*Repository, error) {
	r := &Repository{configDir: configDir, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}

	data, err := os.ReadFile(r.dataPath())
	switch {
	case os.IsNotExist(err):
		r.doc = document{}
	case err != nil:
		return nil, model.NewError(model.KindStorageFailed, "reading repository file", err)
	default:
		if err := json.Unmarshal(data, &r.doc); err != nil {
			return nil, model.NewError(model.KindStorageFailed, "parsing repository file", err)
		}
	}
	return r, nil
}

// withLock acquires the advisory file lock shared with any sibling
// process (reclaiming it if it looks abandoned — see reclaimStaleLock),
// reloads the on-disk document (in case another process wrote since our
// last load), runs fn against it, persists the result, and releases the
// lock. All mutating operations go through this single write path.
func (r *Repository) withLock(fn func(d *document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fl, err := r.acquireLock()
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if err := r.reload(); err != nil {
		return err
	}

	if err := fn(&r.doc); err != nil {
		return err
	}
	return r.persist()
}

// acquireLock takes the advisory file lock, reclaiming it per the
// UNLOCKED → OWNED → STALE → RECLAIMED state machine: a lock file older
// than lockStaleAfter is removed and retried once; past
// lockForceTakeoverAfter it is removed unconditionally even if the retry
// still reports it held.
func (r *Repository) acquireLock() (*flock.Flock, error) {
	path := r.lockPath()
	fl := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), lockAcquireTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil && err != context.DeadlineExceeded {
		return nil, model.NewError(model.KindStorageFailed, "acquiring repository lock", err)
	}
	if locked {
		return fl, nil
	}

	age, ok := lockAge(path)
	if !ok || age < lockStaleAfter {
		return nil, model.NewError(model.KindStorageFailed, "repository lock held by another process", nil)
	}

	r.logger.Warn("reclaiming stale repository lock", slog.Duration("age", age))
	_ = os.Remove(path)

	fl = flock.New(path)
	ctx2, cancel2 := context.WithTimeout(context.Background(), lockAcquireTimeout)
	defer cancel2()
	locked, err = fl.TryLockContext(ctx2, 100*time.Millisecond)
	if err != nil && err != context.DeadlineExceeded {
		return nil, model.NewError(model.KindStorageFailed, "acquiring repository lock after reclaim", err)
	}
	if locked {
		return fl, nil
	}
	if age >= lockForceTakeoverAfter {
		r.logger.Warn("forcing repository lock takeover past force-takeover age", slog.Duration("age", age))
		_ = os.Remove(path)
		return flock.New(path), nil
	}
	return nil, model.NewError(model.KindStorageFailed, "repository lock held by another process", nil)
}

// lockAge returns how long path has existed unmodified, or false if it
// cannot be statted (treated as unlocked).
func lockAge(path string) (time.Duration, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}

// reload re-reads the on-disk document into r.doc so that another
// process's writes, taken while we didn't hold the lock, aren't
// clobbered by this write.
func (r *Repository) reload() error {
	data, err := os.ReadFile(r.dataPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return model.NewError(model.KindStorageFailed, "reloading repository file", err)
	}
	var d document
	if err := json.Unmarshal(data, &d); err != nil {
		return model.NewError(model.KindStorageFailed, "parsing repository file", err)
	}
	r.doc = d
	return nil
}

func (r *Repository) persist() error {
	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return model.NewError(model.KindStorageFailed, "encoding repository", err)
	}
	tmp := r.dataPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return model.NewError(model.KindStorageFailed, "writing repository file", err)
	}
	if err := os.Rename(tmp, r.dataPath()); err != nil {
		return model.NewError(model.KindStorageFailed, "committing repository file", err)
	}
	return nil
}

// Upsert inserts or merges a TrackedRecord keyed on (ProviderID, ExternalID).
func (r *Repository) Upsert(tr model.TrackedRecord) error {
	return r.withLock(func(d *document) error {
		for i, existing := range d.Records {
			if existing.Key() == tr.Key() {
				d.Records[i] = tr
				return nil
			}
		}
		d.Records = append(d.Records, tr)
		return nil
	})
}

// ClearOrphan clears OrphanedAt on the TrackedRecord identified by key,
// marking it ACTIVE again.
func (r *Repository) ClearOrphan(key model.TrackedKey) error {
	return r.withLock(func(d *document) error {
		for i, existing := range d.Records {
			if existing.Key() == key {
				d.Records[i].OrphanedAt = nil
				return nil
			}
		}
		return nil
	})
}

// MarkOrphan sets OrphanedAt on the TrackedRecord identified by key.
func (r *Repository) MarkOrphan(key model.TrackedKey, at int64) error {
	return r.withLock(func(d *document) error {
		for i, existing := range d.Records {
			if existing.Key() == key {
				d.Records[i].OrphanedAt = &at
				return nil
			}
		}
		return nil
	})
}

// Delete removes the TrackedRecord identified by key.
func (r *Repository) Delete(key model.TrackedKey) error {
	return r.withLock(func(d *document) error {
		for i, existing := range d.Records {
			if existing.Key() == key {
				d.Records = append(d.Records[:i], d.Records[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// ListByProvider returns every TrackedRecord for providerID, optionally
// filtered to a single Source (sourceFilter == "" means no filter).
func (r *Repository) ListByProvider(providerID string, sourceFilter model.Source) []model.TrackedRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.TrackedRecord
	for _, tr := range r.doc.Records {
		if tr.ProviderID != providerID {
			continue
		}
		if sourceFilter != "" && tr.Source != sourceFilter {
			continue
		}
		out = append(out, tr)
	}
	return out
}

// ListPreserved returns every configured preserved-hostname pattern.
func (r *Repository) ListPreserved() []model.PreservedPattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.PreservedPattern, len(r.doc.Preserved))
	for i, p := range r.doc.Preserved {
		out[i] = model.PreservedPattern(p)
	}
	return out
}

// AddPreserved adds a preserved-hostname pattern, if not already present.
func (r *Repository) AddPreserved(pattern model.PreservedPattern) error {
	return r.withLock(func(d *document) error {
		for _, p := range d.Preserved {
			if p == string(pattern) {
				return nil
			}
		}
		d.Preserved = append(d.Preserved, string(pattern))
		return nil
	})
}

// RemovePreserved removes a preserved-hostname pattern.
func (r *Repository) RemovePreserved(pattern model.PreservedPattern) error {
	return r.withLock(func(d *document) error {
		for i, p := range d.Preserved {
			if p == string(pattern) {
				d.Preserved = append(d.Preserved[:i], d.Preserved[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// ListManaged returns every externally configured managed hostname.
func (r *Repository) ListManaged() []model.ManagedHostname {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ManagedHostname, len(r.doc.Managed))
	copy(out, r.doc.Managed)
	return out
}

// AddManaged adds or replaces a managed hostname entry.
func (r *Repository) AddManaged(mh model.ManagedHostname) error {
	return r.withLock(func(d *document) error {
		for i, existing := range d.Managed {
			if existing.Hostname == mh.Hostname {
				d.Managed[i] = mh
				return nil
			}
		}
		d.Managed = append(d.Managed, mh)
		return nil
	})
}

// RemoveManaged removes a managed hostname entry by hostname.
func (r *Repository) RemoveManaged(hostname string) error {
	return r.withLock(func(d *document) error {
		for i, existing := range d.Managed {
			if existing.Hostname == hostname {
				d.Managed = append(d.Managed[:i], d.Managed[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// ListIngressRoutes returns every tracked ingress route for tunnelID,
// the tunnel manager's analogue of ListByProvider.
func (r *Repository) ListIngressRoutes(tunnelID string) []model.IngressRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.IngressRoute
	for _, ir := range r.doc.Ingress {
		if ir.TunnelID == tunnelID {
			out = append(out, ir)
		}
	}
	return out
}

// UpsertIngressRoute inserts or replaces an IngressRoute keyed on
// (TunnelID, Hostname).
func (r *Repository) UpsertIngressRoute(ir model.IngressRoute) error {
	return r.withLock(func(d *document) error {
		for i, existing := range d.Ingress {
			if existing.TunnelID == ir.TunnelID && existing.Hostname == ir.Hostname {
				d.Ingress[i] = ir
				return nil
			}
		}
		d.Ingress = append(d.Ingress, ir)
		return nil
	})
}

// MarkIngressOrphan sets OrphanedAt on the ingress route identified by
// (tunnelID, hostname).
func (r *Repository) MarkIngressOrphan(tunnelID, hostname string, at int64) error {
	return r.withLock(func(d *document) error {
		for i, existing := range d.Ingress {
			if existing.TunnelID == tunnelID && existing.Hostname == hostname {
				d.Ingress[i].OrphanedAt = &at
				return nil
			}
		}
		return nil
	})
}

// ClearIngressOrphan clears OrphanedAt on the ingress route identified by
// (tunnelID, hostname).
func (r *Repository) ClearIngressOrphan(tunnelID, hostname string) error {
	return r.withLock(func(d *document) error {
		for i, existing := range d.Ingress {
			if existing.TunnelID == tunnelID && existing.Hostname == hostname {
				d.Ingress[i].OrphanedAt = nil
				return nil
			}
		}
		return nil
	})
}

// DeleteIngressRoute removes the ingress route identified by (tunnelID, hostname).
func (r *Repository) DeleteIngressRoute(tunnelID, hostname string) error {
	return r.withLock(func(d *document) error {
		for i, existing := range d.Ingress {
			if existing.TunnelID == tunnelID && existing.Hostname == hostname {
				d.Ingress = append(d.Ingress[:i], d.Ingress[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/elmerfds/trafegodns/internal/eventbus"
)

// lockStaleAfter is the wall-clock age after which a held
// settings-file lock is considered abandoned and reclaimable.
const lockStaleAfter = 2 * time.Minute

// lockForceTakeoverAfter is the outer bound past which the lock is
// removed unconditionally, even if a reclaim attempt still reports it
// held.
const lockForceTakeoverAfter = 10 * time.Minute

// lockAcquireTimeout bounds how long Set waits for the advisory file
// lock before giving up.
const lockAcquireTimeout = 5 * time.Second

// Store is a three-layer settings cache: persisted value ≻ environment
// variable ≻ compiled default. Get is O(1) and lock-free
// after Load; Set validates, writes durably, updates the cache, and
// publishes SETTINGS_CHANGED.
type Store struct {
	configDir string
	bus       *eventbus.Bus
	logger    *slog.Logger

	cache atomic.Pointer[map[string]any]
	mu    sync.Mutex // serializes Set/persist
}

// Option is a functional option for configuring the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithEventBus wires SETTINGS_CHANGED publication.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(s *Store) {
		s.bus = bus
	}
}

// persistedFile is the on-disk representation of the persisted layer.
type persistedFile struct {
	Values map[string]json.RawMessage `json:"values"`
}

func (s *Store) settingsPath() string {
	return filepath.Join(s.configDir, "settings.json")
}

func (s *Store) lockPath() string {
	return filepath.Join(s.configDir, "settings.lock")
}

// Load builds a Store by layering persisted values over environment
// variables over compiled defaults for every key in Registry.
func Load(configDir string, opts ...Option) (*Store, error) {
	s := &Store{
		configDir: configDir,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	values := make(map[string]any, len(Registry))
	for _, d := range Registry {
		values[d.Key] = d.Default
	}

	for _, d := range Registry {
		if d.EnvVar == "" {
			continue
		}
		raw, ok := os.LookupEnv(d.EnvVar)
		if !ok || raw == "" {
			continue
		}
		v, err := coerce(d, raw)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", d.EnvVar, err)
		}
		values[d.Key] = v
	}

	persisted, err := s.readPersisted()
	if err != nil {
		return nil, fmt.Errorf("reading persisted settings: %w", err)
	}
	for key, raw := range persisted.Values {
		d, ok := descriptor(key)
		if !ok {
			continue
		}
		v, err := decodePersisted(d, raw)
		if err != nil {
			s.logger.Warn("ignoring malformed persisted setting",
				slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		values[key] = v
	}

	s.cache.Store(&values)
	return s, nil
}

func (s *Store) readPersisted() (persistedFile, error) {
	data, err := os.ReadFile(s.settingsPath())
	if os.IsNotExist(err) {
		return persistedFile{Values: map[string]json.RawMessage{}}, nil
	}
	if err != nil {
		return persistedFile{}, err
	}
	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return persistedFile{}, err
	}
	if pf.Values == nil {
		pf.Values = map[string]json.RawMessage{}
	}
	return pf, nil
}

// Get returns the current effective value for key. Lock-free: reads the
// cached snapshot built by Load/Set.
func (s *Store) Get(key string) any {
	m := s.cache.Load()
	if m == nil {
		return nil
	}
	return (*m)[key]
}

func (s *Store) GetString(key string) string {
	v, _ := s.Get(key).(string)
	return v
}

func (s *Store) GetInt(key string) int {
	switch v := s.Get(key).(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (s *Store) GetBool(key string) bool {
	v, _ := s.Get(key).(bool)
	return v
}

// Set validates value against key's declared type, persists it durably
// (behind its own settings.lock advisory file lock, reclaimed the same
// way as internal/repository's),
// updates the in-memory cache, and publishes SETTINGS_CHANGED — unless
// the key is RestartRequired, in which case the value is persisted but
// the live cache (and therefore Get) is left untouched until restart.
func (s *Store) Set(key string, value any) error {
	d, ok := descriptor(key)
	if !ok {
		return fmt.Errorf("unknown setting key %q", key)
	}
	if err := validateType(d, value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(key, value); err != nil {
		return fmt.Errorf("persisting setting %q: %w", key, err)
	}

	if !d.RestartRequired {
		old := s.cache.Load()
		updated := make(map[string]any, len(*old))
		for k, v := range *old {
			updated[k] = v
		}
		updated[key] = value
		s.cache.Store(&updated)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.TopicSettingsChanged, eventbus.SettingsChanged{
			Key: key, Value: value, RestartRequired: d.RestartRequired,
		})
	}

	return nil
}

func (s *Store) persist(key string, value any) error {
	if err := os.MkdirAll(s.configDir, 0o755); err != nil {
		return err
	}

	fl, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer fl.Unlock()

	pf, err := s.readPersisted()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	pf.Values[key] = raw

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.settingsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.settingsPath())
}

// acquireLock takes the settings-file advisory lock, reclaiming it per
// the UNLOCKED → OWNED → STALE → RECLAIMED state machine shared with
// internal/repository: a lock file older than lockStaleAfter is removed
// and retried once; past lockForceTakeoverAfter it is removed
// unconditionally even if the retry still reports it held.
func (s *Store) acquireLock() (*flock.Flock, error) {
	path := s.lockPath()
	fl := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), lockAcquireTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil && err != context.DeadlineExceeded {
		return nil, err
	}
	if locked {
		return fl, nil
	}

	age, ok := lockAge(path)
	if !ok || age < lockStaleAfter {
		return nil, fmt.Errorf("could not acquire settings lock (held by another process)")
	}

	s.logger.Warn("reclaiming stale settings lock", slog.Duration("age", age))
	_ = os.Remove(path)

	fl = flock.New(path)
	ctx2, cancel2 := context.WithTimeout(context.Background(), lockAcquireTimeout)
	defer cancel2()
	locked, err = fl.TryLockContext(ctx2, 100*time.Millisecond)
	if err != nil && err != context.DeadlineExceeded {
		return nil, err
	}
	if locked {
		return fl, nil
	}
	if age >= lockForceTakeoverAfter {
		s.logger.Warn("forcing settings lock takeover past force-takeover age", slog.Duration("age", age))
		_ = os.Remove(path)
		return flock.New(path), nil
	}
	return nil, fmt.Errorf("could not acquire settings lock (held by another process)")
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

func coerce(d KeyDescriptor, raw string) (any, error) {
	switch d.Type {
	case TypeString, TypeEnum:
		if d.Type == TypeEnum && !contains(d.EnumValues, raw) {
			return nil, fmt.Errorf("value %q not in %v", raw, d.EnumValues)
		}
		return raw, nil
	case TypeInt:
		return strconv.Atoi(raw)
	case TypeBool:
		return parseBool(raw), nil
	default:
		return nil, fmt.Errorf("unknown type %q", d.Type)
	}
}

func decodePersisted(d KeyDescriptor, raw json.RawMessage) (any, error) {
	switch d.Type {
	case TypeString, TypeEnum:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if d.Type == TypeEnum && !contains(d.EnumValues, v) {
			return nil, fmt.Errorf("value %q not in %v", v, d.EnumValues)
		}
		return v, nil
	case TypeInt:
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeBool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown type %q", d.Type)
	}
}

func validateType(d KeyDescriptor, value any) error {
	switch d.Type {
	case TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("setting %q expects a string", d.Key)
		}
	case TypeEnum:
		v, ok := value.(string)
		if !ok || !contains(d.EnumValues, v) {
			return fmt.Errorf("setting %q expects one of %v", d.Key, d.EnumValues)
		}
	case TypeInt:
		if _, ok := value.(int); !ok {
			return fmt.Errorf("setting %q expects an int", d.Key)
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("setting %q expects a bool", d.Key)
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

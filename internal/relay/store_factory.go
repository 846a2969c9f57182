package relay

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type SnapshotStoreFactory func(dsn string) (SnapshotStore, error)

var snapshotStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SnapshotStoreFactory
}{
	factories: map[string]SnapshotStoreFactory{},
}

// RegisterSnapshotStoreFactory makes a custom DSN scheme available to
// BuildSnapshotStoreFromDSN. Registered schemes take precedence over the
// built-in ones.
func RegisterSnapshotStoreFactory(scheme string, factory SnapshotStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	snapshotStoreRegistry.mu.Lock()
	defer snapshotStoreRegistry.mu.Unlock()
	snapshotStoreRegistry.factories[scheme] = factory
}

func lookupSnapshotStoreFactory(scheme string) (SnapshotStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	snapshotStoreRegistry.mu.RLock()
	defer snapshotStoreRegistry.mu.RUnlock()
	factory, ok := snapshotStoreRegistry.factories[scheme]
	return factory, ok
}

func BuildSnapshotStoreFromDSN(dsn string) (SnapshotStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupSnapshotStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileSnapshotStore(path)
	case "memory", "mem", "inmem":
		return NewInMemorySnapshotStore(), nil
	case "postgres", "postgresql":
		return NewPostgresSnapshotStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteSnapshotStore(path)
	case "redis", "rediss", "nats":
		return nil, fmt.Errorf("%w: pending store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported pending store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// file://relative/dir/pending.json keeps its leading segment.
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

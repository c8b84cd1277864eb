package notify

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type RecordStoreFactory func(dsn string) (RecordStore, error)

var recordStoreFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RecordStoreFactory
}{
	factories: map[string]RecordStoreFactory{},
}

// RegisterRecordStoreFactory installs a constructor for an out-of-tree
// DSN scheme. Registered schemes take precedence over the built-ins.
func RegisterRecordStoreFactory(scheme string, factory RecordStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	recordStoreFactoryRegistry.mu.Lock()
	defer recordStoreFactoryRegistry.mu.Unlock()
	recordStoreFactoryRegistry.factories[scheme] = factory
}

func lookupRecordStoreFactory(scheme string) (RecordStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	recordStoreFactoryRegistry.mu.RLock()
	defer recordStoreFactoryRegistry.mu.RUnlock()
	factory, ok := recordStoreFactoryRegistry.factories[scheme]
	return factory, ok
}

func BuildRecordStoreFromDSN(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupRecordStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileRecordStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryRecordStore(), nil
	case "postgres", "postgresql":
		return NewPostgresRecordStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: record store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("file record store dsn has no path: %s", raw)
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

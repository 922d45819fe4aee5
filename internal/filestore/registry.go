package filestore

import (
	"context"
	"sort"
	"sync"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/logger"
)

// StorageFactory opens a storage of one backend type from its declarative
// configuration. Backends register themselves in an init function.
type StorageFactory func(ctx context.Context, cfg StorageConfig, log *logger.Logger) (*Storage, error)

var (
	storageTypesMu sync.RWMutex
	storageTypes   = map[string]StorageFactory{}
)

// RegisterStorageType makes a backend available under storageType.
// It panics if called twice for the same type.
func RegisterStorageType(storageType string, factory StorageFactory) {
	storageTypesMu.Lock()
	defer storageTypesMu.Unlock()
	if factory == nil {
		panic("filestore: RegisterStorageType factory is nil")
	}
	if _, dup := storageTypes[storageType]; dup {
		panic("filestore: RegisterStorageType called twice for " + storageType)
	}
	storageTypes[storageType] = factory
}

// StorageTypes lists the registered backend types.
func StorageTypes() []string {
	storageTypesMu.RLock()
	defer storageTypesMu.RUnlock()
	types := make([]string, 0, len(storageTypes))
	for t := range storageTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// OpenStorage builds a storage from cfg through the registered factory and
// loads its declared buckets and base URL.
func OpenStorage(ctx context.Context, cfg StorageConfig, log *logger.Logger) (*Storage, error) {
	storageTypesMu.RLock()
	factory, ok := storageTypes[cfg.Type]
	storageTypesMu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.ErrKindInvalidArgument, "unknown storage type %q", cfg.Type)
	}
	if log == nil {
		log = logger.Nop()
	}

	s, err := factory(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if !cfg.BaseURL.IsZero() {
		s.SetBaseURL(cfg.BaseURL)
	}

	specs, err := BucketSpecsOf(cfg.Buckets)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := s.SetBuckets(specs...); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

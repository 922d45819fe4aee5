package filestore

import (
	"context"
	"io"
	"sync"

	"github.com/fishy/errbatch"
	"github.com/fishy/rowlock"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/logger"
)

var _ Registry = (*Hub)(nil)

// storageSlot is either pending (cfg set) or ready (storage set).
type storageSlot struct {
	cfg     *StorageConfig
	storage Registry
}

// StorageSpec is one entry for SetStorages.
type StorageSpec struct {
	Name string
	Data any
}

// Hub aggregates several storages behind the Registry contract.
//
// Bucket and HasBucket scan storages in registration order and use the
// first match. Buckets merges every storage's buckets with later storages
// overriding earlier ones on a name collision. Bucket names are expected to
// be unique across storages; the hub does not enforce it.
type Hub struct {
	mu    sync.RWMutex
	order []string
	slots map[string]*storageSlot
	locks *rowlock.RowLock
	log   *logger.Logger
}

// NewHub returns an empty hub.
func NewHub(opts ...Option) *Hub {
	o := newOptions(opts)
	return &Hub{
		slots: map[string]*storageSlot{},
		locks: rowlock.NewRowLock(rowlock.MutexNewLocker),
		log:   o.log.Component("hub"),
	}
}

// AddStorage registers a storage instance (any Registry) or a configuration
// (StorageConfig, *StorageConfig or a non-empty map). Re-adding a name keeps
// its original position.
func (h *Hub) AddStorage(name string, data any) error {
	if !namePattern.MatchString(name) {
		return errs.Newf(errs.ErrKindInvalidArgument, "invalid storage name %q", name)
	}

	slot := &storageSlot{}
	switch v := data.(type) {
	case Registry:
		slot.storage = v
	default:
		cfg, err := storageConfigOf(data)
		if err != nil {
			return err
		}
		slot.cfg = cfg
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.slots[name]; !exists {
		h.order = append(h.order, name)
	}
	h.slots[name] = slot
	return nil
}

// SetStorages replaces every registered storage with specs, in order.
func (h *Hub) SetStorages(specs ...StorageSpec) error {
	h.mu.Lock()
	h.order = nil
	h.slots = map[string]*storageSlot{}
	h.mu.Unlock()

	for _, spec := range specs {
		if err := h.AddStorage(spec.Name, spec.Data); err != nil {
			return err
		}
	}
	return nil
}

// Storage returns the named storage, opening it on first access.
func (h *Hub) Storage(name string) (Registry, error) {
	h.mu.RLock()
	slot, ok := h.slots[name]
	var ready Registry
	if ok {
		ready = slot.storage
	}
	h.mu.RUnlock()

	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "storage %q does not exist in the hub", name)
	}
	if ready != nil {
		return ready, nil
	}

	h.locks.Lock(name)
	defer h.locks.Unlock(name)

	h.mu.RLock()
	current, ok := h.slots[name]
	var cfg StorageConfig
	if ok && current.storage == nil {
		cfg = *current.cfg
	}
	h.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "storage %q does not exist in the hub", name)
	}
	if current.storage != nil {
		return current.storage, nil
	}

	s, err := OpenStorage(context.Background(), cfg, h.log.With().Str("storage", name).Logger())
	if err != nil {
		return nil, err
	}
	h.log.DebugWith("storage has been materialized", map[string]any{"storage": name, "type": cfg.Type})

	h.mu.Lock()
	if h.slots[name] == current {
		current.storage = s
		current.cfg = nil
	}
	h.mu.Unlock()
	return s, nil
}

// Storages opens and returns every storage by name.
func (h *Hub) Storages() (map[string]Registry, error) {
	names := h.StorageNames()
	result := make(map[string]Registry, len(names))
	for _, name := range names {
		s, err := h.Storage(name)
		if err != nil {
			return nil, err
		}
		result[name] = s
	}
	return result, nil
}

// StorageNames lists storages in registration order.
func (h *Hub) StorageNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

func (h *Hub) HasStorage(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.slots[name]
	return ok
}

// DefaultStorage is the first registered storage. Hub level AddBucket and
// SetBuckets go there.
func (h *Hub) DefaultStorage() (Registry, error) {
	names := h.StorageNames()
	if len(names) == 0 {
		return nil, errs.New(errs.ErrKindNotFound, "unable to determine default storage: the hub is empty")
	}
	return h.Storage(names[0])
}

// --- Registry implementation ---

func (h *Hub) AddBucket(name string, data any) error {
	s, err := h.DefaultStorage()
	if err != nil {
		return err
	}
	return s.AddBucket(name, data)
}

func (h *Hub) SetBuckets(specs ...BucketSpec) error {
	s, err := h.DefaultStorage()
	if err != nil {
		return err
	}
	return s.SetBuckets(specs...)
}

// Bucket returns the bucket from the first storage that has it.
func (h *Hub) Bucket(name string) (Bucket, error) {
	for _, storageName := range h.StorageNames() {
		s, err := h.Storage(storageName)
		if err != nil {
			return nil, err
		}
		if s.HasBucket(name) {
			return s.Bucket(name)
		}
	}
	return nil, errs.Newf(errs.ErrKindNotFound, "bucket %q does not exist in any storage of the hub", name)
}

// Buckets merges the buckets of every storage; later storages win.
func (h *Hub) Buckets() (map[string]Bucket, error) {
	result := map[string]Bucket{}
	for _, storageName := range h.StorageNames() {
		s, err := h.Storage(storageName)
		if err != nil {
			return nil, err
		}
		buckets, err := s.Buckets()
		if err != nil {
			return nil, err
		}
		for name, b := range buckets {
			result[name] = b
		}
	}
	return result, nil
}

// HasBucket opens storages as needed but never materializes buckets.
// Storages that fail to open are logged and skipped.
func (h *Hub) HasBucket(name string) bool {
	for _, storageName := range h.StorageNames() {
		s, err := h.Storage(storageName)
		if err != nil {
			h.log.ErrorWith("unable to open storage", err, map[string]any{"storage": storageName})
			continue
		}
		if s.HasBucket(name) {
			return true
		}
	}
	return false
}

// BaseURL returns the first storage's base URL, or the zero value.
func (h *Hub) BaseURL() BaseURL {
	h.mu.RLock()
	if len(h.order) == 0 {
		h.mu.RUnlock()
		return BaseURL{}
	}
	slot := h.slots[h.order[0]]
	storage := slot.storage
	var pending BaseURL
	if slot.cfg != nil {
		pending = slot.cfg.BaseURL
	}
	h.mu.RUnlock()

	if storage != nil {
		return storage.BaseURL()
	}
	return pending
}

// SetBaseURL applies u to every storage. Pending storages pick it up when
// they are opened.
func (h *Hub) SetBaseURL(u BaseURL) {
	h.mu.Lock()
	var ready []Registry
	for _, slot := range h.slots {
		if slot.storage != nil {
			ready = append(ready, slot.storage)
		} else {
			slot.cfg.BaseURL = u
		}
	}
	h.mu.Unlock()

	for _, s := range ready {
		s.SetBaseURL(u)
	}
}

// Close closes every opened storage that holds resources.
func (h *Hub) Close() error {
	h.mu.RLock()
	var closers []io.Closer
	for _, name := range h.order {
		if c, ok := h.slots[name].storage.(io.Closer); ok {
			closers = append(closers, c)
		}
	}
	h.mu.RUnlock()

	batch := &errbatch.ErrBatch{}
	for _, c := range closers {
		batch.Add(c.Close())
	}
	return batch.Compile()
}

func storageConfigOf(data any) (*StorageConfig, error) {
	switch v := data.(type) {
	case StorageConfig:
		return &v, nil
	case *StorageConfig:
		if v != nil {
			cfg := *v
			return &cfg, nil
		}
	case map[string]any:
		if len(v) > 0 {
			cfg := &StorageConfig{}
			if err := DecodeOptions(v, cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}
	return nil, errs.Newf(errs.ErrKindInvalidArgument,
		"storage data must be a storage instance or a non-empty configuration, got %T", data)
}

package filestore

import (
	"io"
	"regexp"
	"sort"
	"sync"

	"github.com/fishy/errbatch"
	"github.com/fishy/rowlock"

	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/logger"
)

// namePattern is what a bucket or storage name may look like.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

var _ Registry = (*Storage)(nil)

// BucketFactory builds the driver for a bucket of one type. It receives the
// final bucket name and its configuration.
type BucketFactory func(name string, cfg BucketConfig) (Driver, error)

// bucketSlot is either pending (cfg set) or ready (bucket set).
type bucketSlot struct {
	cfg    *BucketConfig
	bucket Bucket
}

// Storage is a registry of buckets backed by one medium. Buckets added as
// configuration are materialized on first access and cached afterwards.
// It is safe for concurrent use.
type Storage struct {
	mu          sync.RWMutex
	defaultType string
	bucketTypes map[string]BucketFactory
	slots       map[string]*bucketSlot
	baseURL     BaseURL
	locks       *rowlock.RowLock
	closers     []io.Closer
	log         *logger.Logger
}

// NewStorage returns an empty storage whose buckets default to defaultType.
// Bucket types are registered with WithBucketType or RegisterBucketType.
func NewStorage(defaultType string, opts ...Option) *Storage {
	o := newOptions(opts)
	return &Storage{
		defaultType: defaultType,
		bucketTypes: o.bucketTypes,
		slots:       map[string]*bucketSlot{},
		baseURL:     o.baseURL,
		locks:       rowlock.NewRowLock(rowlock.MutexNewLocker),
		closers:     o.closers,
		log:         o.log.Component("storage"),
	}
}

// RegisterBucketType adds or replaces a bucket factory.
func (s *Storage) RegisterBucketType(bucketType string, factory BucketFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucketTypes[bucketType] = factory
}

// DefaultBucketType is the type used for configs without their own Type.
func (s *Storage) DefaultBucketType() string {
	return s.defaultType
}

// AddBucket registers name. Re-adding a name replaces the previous entry.
// A Bucket instance is renamed to name and attached to this storage straight
// away; a bucket has one owner, so adding it here detaches it from any
// storage it was registered with before.
func (s *Storage) AddBucket(name string, data any) error {
	if !namePattern.MatchString(name) {
		return errs.Newf(errs.ErrKindInvalidArgument, "invalid bucket name %q", name)
	}

	slot := &bucketSlot{}
	switch v := data.(type) {
	case Bucket:
		v.SetName(name)
		v.SetStorage(s)
		slot.bucket = v
	default:
		cfg, err := bucketConfigOf(data)
		if err != nil {
			return err
		}
		slot.cfg = cfg
	}

	s.mu.Lock()
	s.slots[name] = slot
	s.mu.Unlock()
	return nil
}

// SetBuckets adds every spec in order and stops at the first failure.
func (s *Storage) SetBuckets(specs ...BucketSpec) error {
	for _, spec := range specs {
		if err := s.AddBucket(spec.Name, spec.Data); err != nil {
			return err
		}
	}
	return nil
}

// Bucket returns the named bucket, building it from its configuration on
// first access. Concurrent first accesses build the bucket once.
func (s *Storage) Bucket(name string) (Bucket, error) {
	s.mu.RLock()
	slot, ok := s.slots[name]
	var ready Bucket
	if ok {
		ready = slot.bucket
	}
	s.mu.RUnlock()

	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "bucket %q does not exist in the storage", name)
	}
	if ready != nil {
		return ready, nil
	}

	s.locks.Lock(name)
	defer s.locks.Unlock(name)

	s.mu.RLock()
	current, ok := s.slots[name]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "bucket %q does not exist in the storage", name)
	}
	if current.bucket != nil {
		return current.bucket, nil
	}

	b, err := s.materialize(name, *current.cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.slots[name] == current {
		current.bucket = b
		current.cfg = nil
	}
	s.mu.Unlock()
	return b, nil
}

// materialize builds a bucket with its name and storage injected up front.
func (s *Storage) materialize(name string, cfg BucketConfig) (Bucket, error) {
	bucketType := cfg.Type
	if bucketType == "" {
		bucketType = s.defaultType
	}

	s.mu.RLock()
	factory, ok := s.bucketTypes[bucketType]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.ErrKindInvalidArgument, "unknown bucket type %q for bucket %q", bucketType, name)
	}

	driver, err := factory(name, cfg)
	if err != nil {
		return nil, err
	}

	b := NewBucket(name, cfg, driver, WithLogger(s.log))
	b.SetStorage(s)
	s.log.DebugWith("bucket has been materialized", map[string]any{"bucket": name, "type": bucketType})
	return b, nil
}

// Buckets materializes every pending bucket and returns them all.
func (s *Storage) Buckets() (map[string]Bucket, error) {
	names := s.BucketNames()
	result := make(map[string]Bucket, len(names))
	for _, name := range names {
		b, err := s.Bucket(name)
		if err != nil {
			return nil, err
		}
		result[name] = b
	}
	return result, nil
}

// BucketNames lists the registered names in lexical order.
func (s *Storage) BucketNames() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.slots))
	for name := range s.slots {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (s *Storage) HasBucket(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots[name]
	return ok
}

func (s *Storage) BaseURL() BaseURL {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

func (s *Storage) SetBaseURL(u BaseURL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = u
}

// Close releases backend resources such as connection pools.
func (s *Storage) Close() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	batch := &errbatch.ErrBatch{}
	for _, c := range closers {
		batch.Add(c.Close())
	}
	return batch.Compile()
}

// bucketConfigOf normalizes the non-instance forms accepted by AddBucket.
func bucketConfigOf(data any) (*BucketConfig, error) {
	switch v := data.(type) {
	case nil:
		return &BucketConfig{}, nil
	case BucketConfig:
		return &v, nil
	case *BucketConfig:
		if v == nil {
			return &BucketConfig{}, nil
		}
		cfg := *v
		return &cfg, nil
	case map[string]any:
		cfg := &BucketConfig{}
		if err := DecodeOptions(v, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	default:
		return nil, errs.Newf(errs.ErrKindInvalidArgument,
			"bucket data must be a bucket instance or a configuration, got %T", data)
	}
}

// BucketSpecsOf converts a loosely typed bucket list, as decoded from YAML,
// into specs. A mapping is name→config; a sequence holds bare names.
func BucketSpecsOf(v any) ([]BucketSpec, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []BucketSpec:
		return list, nil
	case []string:
		specs := make([]BucketSpec, len(list))
		for i, name := range list {
			specs[i] = Bare(name)
		}
		return specs, nil
	case []any:
		specs := make([]BucketSpec, 0, len(list))
		for i, item := range list {
			name, ok := item.(string)
			if !ok {
				return nil, errs.Newf(errs.ErrKindInvalidArgument,
					"bucket list entry %d must be a bucket name, got %T", i, item)
			}
			specs = append(specs, Bare(name))
		}
		return specs, nil
	case map[string]any:
		names := make([]string, 0, len(list))
		for name := range list {
			names = append(names, name)
		}
		sort.Strings(names)
		specs := make([]BucketSpec, len(names))
		for i, name := range names {
			specs[i] = BucketSpec{Name: name, Data: list[name]}
		}
		return specs, nil
	default:
		return nil, errs.Newf(errs.ErrKindInvalidArgument,
			"buckets must be a mapping or a list of names, got %T", v)
	}
}

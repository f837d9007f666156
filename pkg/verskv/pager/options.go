package pager

// Options configures a Pager. Built with functional options, the same
// shape the teacher uses for single-argument construction
// (bpager.Open(path)) generalized to the several knobs spec.md §6
// leaves implementation-defined (logical page size, cache sizing,
// initial oldest version, I/O concurrency).
type Options struct {
	PageSize      int
	CacheCapacity int
	IOWorkers     int
	InitialOldest int64
}

// DefaultOptions returns the baseline configuration: 4096-byte logical
// pages (spec.md §6's smallest physical block), a modest cache, and a
// handful of I/O workers.
func DefaultOptions() Options {
	return Options{
		PageSize:      SmallestPhysicalBlock,
		CacheCapacity: 1024,
		IOWorkers:     4,
		InitialOldest: 0,
	}
}

// Option mutates an Options value.
type Option func(*Options)

// WithPageSize overrides the logical page size. Must be a multiple of
// SmallestPhysicalBlock (spec.md §6: "each rounded up to a multiple of
// the smallest-physical-block").
func WithPageSize(n int) Option {
	return func(o *Options) { o.PageSize = n }
}

// WithCacheCapacity overrides the object cache's target entry count.
func WithCacheCapacity(n int) Option {
	return func(o *Options) { o.CacheCapacity = n }
}

// WithIOWorkers sets Options.IOWorkers. Open does not read it: the
// file's submission queue concurrency is fixed when the file is opened
// (OpenOSFile's workers argument).
func WithIOWorkers(n int) Option {
	return func(o *Options) { o.IOWorkers = n }
}

// WithInitialOldest sets the oldest-retained version used when creating
// a brand-new store.
func WithInitialOldest(v int64) Option {
	return func(o *Options) { o.InitialOldest = v }
}

func buildOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

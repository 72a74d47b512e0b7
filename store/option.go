package store

type config struct {
	pageLength    uint64
	maxLoadFactor float64
	overwrite     bool
}

type Option func(*config)

// apply applies the given options to this config.
func (c *config) apply(opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// PageLength is the number of segment slots per table page. A store must be
// reopened with the page length it was created with.
func PageLength(pageLength uint64) Option {
	return func(c *config) {
		c.pageLength = pageLength
	}
}

// MaxLoadFactor is the size/bucketCount threshold that triggers doubling the
// table. Values below 1 are raised to 1.
func MaxLoadFactor(f float64) Option {
	return func(c *config) {
		c.maxLoadFactor = f
	}
}

// Overwrite discards any existing store in the directory and starts fresh.
func Overwrite() Option {
	return func(c *config) {
		c.overwrite = true
	}
}

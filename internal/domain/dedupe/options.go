package dedupe

const defaultMaxSize = 50000

// Option configures the in-memory deduper.
type Option func(*ring)

// WithMaxSize bounds the window. Values <= 0 keep every id forever.
func WithMaxSize(maxSize int) Option {
	return func(d *ring) {
		d.maxSize = maxSize
	}
}

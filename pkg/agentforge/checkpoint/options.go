package checkpoint

import (
	"log/slog"
	"time"

	"github.com/jsquire4/agentforge/pkg/agentforge/config"
	"github.com/jsquire4/agentforge/pkg/agentforge/observability"
)

// Option configures a saver at construction time.
type Option func(*options)

type options struct {
	prefix     string
	ttl        time.Duration
	serializer Serializer
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	now        func() time.Time
}

func defaultOptions() options {
	return options{
		prefix:     DefaultPrefix,
		ttl:        DefaultTTL,
		serializer: JSONSerializer{},
		metrics:    observability.NoopMetrics{},
		spans:      observability.NoopSpanManager{},
		now:        time.Now,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPrefix sets the key prefix shared by all four key families.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTTL sets the retention window refreshed on every write.
// A zero or negative ttl disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithSerializer replaces the default JSON serializer.
func WithSerializer(s Serializer) Option {
	return func(o *options) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithLogger enables structured logging of store operations.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics enables metrics recording for store operations.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpans enables trace spans around store operations.
func WithSpans(sm observability.SpanManager) Option {
	return func(o *options) {
		if sm != nil {
			o.spans = sm
		}
	}
}

// WithClock overrides the wall clock used for index timestamps and TTL
// bookkeeping. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// OptionsFromConfig builds saver options from a config section.
//
// Recognized keys: "prefix" (string), "ttl" (duration string or seconds).
func OptionsFromConfig(cfg config.Config) []Option {
	return []Option{
		WithPrefix(cfg.String("prefix", DefaultPrefix)),
		WithTTL(cfg.Duration("ttl", DefaultTTL)),
	}
}

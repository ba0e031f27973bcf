// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"log/slog"

	"github.com/kianostad/handlelife/internal/monitoring/metrics"
)

// Options configures a Registry at construction time.
type Options struct {
	BucketCount    int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	AgentQueueSize int
	ErrorSink      ErrorSink
}

// DefaultOptions returns the configuration New uses when no Option
// overrides it. Metrics is left nil; NewRegistry constructs and owns one
// unless WithMetrics supplies one explicitly.
func DefaultOptions() Options {
	return Options{
		BucketCount:    1024,
		Logger:         slog.Default(),
		AgentQueueSize: 1024,
	}
}

// Option overrides one field of Options.
type Option func(*Options)

// WithBucketCount sets the handle map's initial bucket count.
func WithBucketCount(n int) Option {
	return func(o *Options) { o.BucketCount = n }
}

// WithLogger sets the structured logger used for agent-side failures, such
// as a destructor returning an error.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics injects a pre-constructed Metrics instance, e.g. one shared
// across several registries. The Registry does not call Close on it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithAgentQueueSize sets the background agent's internal buffer size.
func WithAgentQueueSize(n int) Option {
	return func(o *Options) { o.AgentQueueSize = n }
}

// WithErrorSink installs a callback invoked for every error encountered
// during asynchronous destruction, in addition to the Registry's own
// logging. See ErrorSink for its calling contract.
func WithErrorSink(fn ErrorSink) Option {
	return func(o *Options) { o.ErrorSink = fn }
}

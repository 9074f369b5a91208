// File: reactor/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"go.uber.org/zap"

	"github.com/momentics/tscb/control"
	"github.com/momentics/tscb/ioready"
)

// Option configures a Reactor.
type Option func(*config)

type config struct {
	io      ioready.Dispatcher
	logger  *zap.Logger
	metrics *control.MetricsRegistry
}

// WithIoDispatcher uses an existing readiness dispatcher instead of
// auto-selecting one. The reactor takes ownership and closes it.
func WithIoDispatcher(d ioready.Dispatcher) Option {
	return func(c *config) { c.io = d }
}

// WithLogger attaches a structured logger. The default discards
// everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics attaches a counter registry updated by the dispatch loop.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(c *config) { c.metrics = m }
}

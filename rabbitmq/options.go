package rabbitmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Option configures a Session.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	registerer prometheus.Registerer
	prefetch   uint16
	product    string
}

func defaultOptions() options {
	return options{
		logger:   zerolog.Nop(),
		prefetch: 1,
		product:  "simpleamqp",
	}
}

// WithLogger sets the logger used for session diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the session's metrics with reg. Sessions sharing
// a registerer share their collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithConsumePrefetch sets the prefetch count BasicConsume applies when the
// consume options leave it at zero.
func WithConsumePrefetch(n uint16) Option {
	return func(o *options) {
		o.prefetch = n
	}
}

// WithProduct sets the product name sent in the client properties.
func WithProduct(name string) Option {
	return func(o *options) {
		o.product = name
	}
}

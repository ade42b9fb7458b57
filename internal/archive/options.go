package archive

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type OptionFunc func(*Archiver)

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(a *Archiver) {
		a.logger = logger
	}
}

// WithPromRegistry registers the archive counters on registry.
func WithPromRegistry(registry prometheus.Registerer) OptionFunc {
	return func(a *Archiver) {
		a.promRegistry = registry
	}
}

// WithPrefix sets the object key prefix, e.g. "prod/".
func WithPrefix(prefix string) OptionFunc {
	return func(a *Archiver) {
		a.prefix = prefix
	}
}

func WithTimeout(timeout time.Duration) OptionFunc {
	return func(a *Archiver) {
		a.timeout = timeout
	}
}

package driver

import (
	"github.com/rs/zerolog"

	"github.com/ekinhbayar/http-server/pkg/options"
)

// Config carries the collaborators shared by every engine instance of a
// server. It is captured once at start and never mutated.
type Config struct {
	Options      *options.Options
	Time         TimeReference
	ErrorHandler ErrorHandler
	Logger       zerolog.Logger
}

// WithDefaults fills unset collaborators.
func (c Config) WithDefaults() Config {
	if c.Options == nil {
		c.Options = options.New()
	}

	if c.Time == nil {
		c.Time = NewTimeReference()
	}

	if c.ErrorHandler == nil {
		c.ErrorHandler = DefaultErrorHandler{}
	}

	return c
}

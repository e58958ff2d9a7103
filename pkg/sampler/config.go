package sampler

import (
	"github.com/sirupsen/logrus"
)

type config struct {
	name     string
	tolerate func(error) bool
	logger   *logrus.Logger
}

// Option applies an option to the given sampler config.
type Option func(*config)

// apply sequentially applies the given options to the config.
func (c *config) apply(options []Option) {
	for _, option := range options {
		option(c)
	}
}

func defaultConfig() *config {
	return &config{
		name:   "sample",
		logger: logrus.New(),
	}
}

// WithName names the sampled operation in errors and log lines.
func WithName(name string) Option {
	return func(config *config) {
		config.name = name
	}
}

// WithTolerate keeps a sequence alive across probe errors matched by pred
// instead of ending it at the first one. A tolerated error becomes the last
// observed state reported on timeout.
func WithTolerate(pred func(error) bool) Option {
	return func(config *config) {
		config.tolerate = pred
	}
}

// WithLogger configures logger as the sampler's logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(config *config) {
		config.logger = logger
	}
}

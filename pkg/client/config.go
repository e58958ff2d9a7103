package client

import (
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/rest"
)

type config struct {
	kubeconfigPath  string
	kubeconfigBytes []byte
	contextName     string
	restConfig      *rest.Config
	logger          *logrus.Logger
}

// Option applies an option to the given client config.
type Option func(*config)

func (c *config) apply(options []Option) {
	for _, option := range options {
		option(c)
	}
}

func defaultConfig() *config {
	return &config{
		logger: logrus.New(),
	}
}

// WithKubeconfig loads the client configuration from the kubeconfig file at
// path instead of the default loading rules.
func WithKubeconfig(path string) Option {
	return func(config *config) {
		config.kubeconfigPath = path
	}
}

// WithKubeconfigBytes loads the client configuration from an in-memory
// kubeconfig. Takes precedence over a path.
func WithKubeconfigBytes(kubeconfig []byte) Option {
	return func(config *config) {
		config.kubeconfigBytes = kubeconfig
	}
}

// WithContext selects a kubeconfig context other than the current one.
func WithContext(name string) Option {
	return func(config *config) {
		config.contextName = name
	}
}

// WithRESTConfig skips kubeconfig loading entirely and builds the clients
// from cfg.
func WithRESTConfig(cfg *rest.Config) Option {
	return func(config *config) {
		config.restConfig = cfg
	}
}

// WithLogger configures logger as the bootstrap logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(config *config) {
		config.logger = logger
	}
}

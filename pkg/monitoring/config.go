package monitoring

import (
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/rest"
)

const (
	// MonitoringNamespace is where the cluster monitoring stack lives.
	MonitoringNamespace = "openshift-monitoring"

	// PrometheusResourceName names the route, service account and scrape
	// job of the cluster Prometheus.
	PrometheusResourceName = "prometheus-k8s"

	defaultScrapeInterval = 30 * time.Second
)

type config struct {
	namespace          string
	resourceName       string
	jobName            string
	address            string
	token              string
	insecureSkipVerify bool
	restConfig         *rest.Config
	logger             *logrus.Logger
}

// Option applies an option to the given monitoring config.
type Option func(*config)

func (c *config) apply(options []Option) {
	for _, option := range options {
		option(c)
	}
}

func defaultConfig() *config {
	return &config{
		namespace:    MonitoringNamespace,
		resourceName: PrometheusResourceName,
		jobName:      PrometheusResourceName,
		logger:       logrus.New(),
	}
}

// WithRESTConfig provides the cluster access used to discover the
// Prometheus route and token.
func WithRESTConfig(cfg *rest.Config) Option {
	return func(config *config) {
		config.restConfig = cfg
	}
}

// WithNamespace overrides the monitoring namespace.
func WithNamespace(namespace string) Option {
	return func(config *config) {
		config.namespace = namespace
	}
}

// WithResourceName overrides the name of the Prometheus route and service
// account.
func WithResourceName(name string) Option {
	return func(config *config) {
		config.resourceName = name
	}
}

// WithJobName overrides the scrape job the interval is discovered from.
func WithJobName(name string) Option {
	return func(config *config) {
		config.jobName = name
	}
}

// WithAddress connects to the given base URL instead of discovering the
// route.
func WithAddress(address string) Option {
	return func(config *config) {
		config.address = address
	}
}

// WithToken authenticates with the given bearer token instead of reading it
// from the service account.
func WithToken(token string) Option {
	return func(config *config) {
		config.token = token
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify() Option {
	return func(config *config) {
		config.insecureSkipVerify = true
	}
}

// WithLogger configures logger as the monitoring logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(config *config) {
		config.logger = logger
	}
}

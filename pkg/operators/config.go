package operators

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/RedHatQE/openshift-go-utilities/pkg/lib/datacollector"
)

// MarketplaceNamespace is where catalog sources are published by default.
const MarketplaceNamespace = "openshift-marketplace"

const (
	defaultMirrorRegistry = "brew.registry.redhat.io"
	defaultTimeout        = 30 * time.Minute
)

type config struct {
	source               string
	operatorNamespace    string
	targetNamespaces     []string
	marketplaceNamespace string
	indexImage           string
	registryToken        string
	mirrorRegistry       string
	registryProbeAddr    string
	timeout              time.Duration
	deleteCRDs           bool
	collector            *datacollector.Collector
	logger               *logrus.Logger
}

// Option applies an option to the given config. The installer and the
// uninstaller share one option set; options that do not apply to the
// operation at hand are ignored.
type Option func(*config)

func (c *config) apply(options []Option) {
	for _, option := range options {
		option(c)
	}
}

func defaultOperatorConfig() *config {
	return &config{
		marketplaceNamespace: MarketplaceNamespace,
		mirrorRegistry:       defaultMirrorRegistry,
		timeout:              defaultTimeout,
		logger:               logrus.New(),
	}
}

// WithCatalogSource subscribes the operator to an existing catalog source
// instead of provisioning one from an index image.
func WithCatalogSource(source string) Option {
	return func(config *config) {
		config.source = source
	}
}

// WithOperatorNamespace overrides the namespace the operator is installed
// into. The operator name is used when unset.
func WithOperatorNamespace(namespace string) Option {
	return func(config *config) {
		config.operatorNamespace = namespace
	}
}

// WithTargetNamespaces sets the namespaces the operator manages. They are
// created when absent.
func WithTargetNamespaces(namespaces ...string) Option {
	return func(config *config) {
		config.targetNamespaces = namespaces
	}
}

// WithMarketplaceNamespace overrides the namespace catalog sources are
// created in.
func WithMarketplaceNamespace(namespace string) Option {
	return func(config *config) {
		config.marketplaceNamespace = namespace
	}
}

// WithIndexImage installs the operator from an index image: a catalog source
// backed by the image is provisioned first, pulled through the mirror
// registry. Requires WithRegistryToken.
func WithIndexImage(image string) Option {
	return func(config *config) {
		config.indexImage = image
	}
}

// WithRegistryToken sets the credential merged into the cluster pull secret
// for the mirror registry.
func WithRegistryToken(token string) Option {
	return func(config *config) {
		config.registryToken = token
	}
}

// WithMirrorRegistry overrides the registry host index images are pulled
// through.
func WithMirrorRegistry(host string) Option {
	return func(config *config) {
		config.mirrorRegistry = host
	}
}

// WithRegistryProbe additionally health checks the catalog registry gRPC
// service at address before the subscription is created.
func WithRegistryProbe(address string) Option {
	return func(config *config) {
		config.registryProbeAddr = address
	}
}

// WithTimeout bounds the install plan execution wait on install and the CSV
// removal wait on uninstall.
func WithTimeout(timeout time.Duration) Option {
	return func(config *config) {
		config.timeout = timeout
	}
}

// WithDeleteCRDs also removes the CRDs owned by the operator's CSV during
// uninstall.
func WithDeleteCRDs() Option {
	return func(config *config) {
		config.deleteCRDs = true
	}
}

// WithDataCollector dumps resources through collector before they are
// deleted.
func WithDataCollector(collector *datacollector.Collector) Option {
	return func(config *config) {
		config.collector = collector
	}
}

// WithLogger configures logger as the orchestration logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(config *config) {
		config.logger = logger
	}
}

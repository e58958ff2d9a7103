package versions

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

type config struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// Option applies an option to the given config.
type Option func(*config)

func (c *config) apply(options []Option) {
	for _, option := range options {
		option(c)
	}
}

func defaultConfig() *config {
	return &config{
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     logrus.New(),
	}
}

// WithBaseURL fetches the release page from url instead of the public
// release controller.
func WithBaseURL(url string) Option {
	return func(config *config) {
		config.baseURL = url
	}
}

// WithHTTPClient replaces the HTTP client the page is fetched with.
func WithHTTPClient(client *http.Client) Option {
	return func(config *config) {
		config.httpClient = client
	}
}

// WithLogger configures logger as the package logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(config *config) {
		config.logger = logger
	}
}

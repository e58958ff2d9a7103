// Package monitoring talks to the cluster's Prometheus: ad hoc queries,
// active alerts, and polling waits for an alert to reach a wanted state.
package monitoring

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	routeclient "github.com/openshift/client-go/route/clientset/versioned"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/api"
	prometheusv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/transport"

	utilerrors "github.com/RedHatQE/openshift-go-utilities/pkg/lib/errors"
	"github.com/RedHatQE/openshift-go-utilities/pkg/sampler"
)

// tokenSecretAnnotation holds the bearer token on the service account's
// image pull secret.
const tokenSecretAnnotation = "openshift.io/token-secret.value"

// Prometheus queries one Prometheus instance through its HTTP API.
type Prometheus struct {
	api            prometheusv1.API
	scrapeInterval time.Duration
	logger         *logrus.Logger
}

// New connects to the cluster's Prometheus. Unless an address and token were
// provided directly, both are discovered from the monitoring namespace: the
// address from the Prometheus route and the token from its service account.
// The scrape interval is discovered once, from the active targets.
func New(ctx context.Context, options ...Option) (*Prometheus, error) {
	cfg := defaultConfig()
	cfg.apply(options)

	address, token := cfg.address, cfg.token
	if address == "" || token == "" {
		if cfg.restConfig == nil {
			return nil, utilerrors.NewConfigError("a rest config is required to discover the prometheus route and token")
		}
		var err error
		if address == "" {
			if address, err = discoverRoute(ctx, cfg); err != nil {
				return nil, err
			}
		}
		if token == "" {
			if token, err = discoverToken(ctx, cfg); err != nil {
				return nil, err
			}
		}
	}

	apiClient, err := api.NewClient(api.Config{
		Address:      address,
		RoundTripper: roundTripper(token, cfg.insecureSkipVerify),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "building prometheus client for %s", address)
	}

	p := &Prometheus{api: prometheusv1.NewAPI(apiClient), logger: cfg.logger}
	p.scrapeInterval = discoverScrapeInterval(ctx, apiClient, cfg.jobName, cfg.logger)
	return p, nil
}

// NewFromAPI wraps an already built Prometheus API, with the given scrape
// interval driving the polling waits.
func NewFromAPI(api prometheusv1.API, scrapeInterval time.Duration, logger *logrus.Logger) *Prometheus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Prometheus{api: api, scrapeInterval: scrapeInterval, logger: logger}
}

func roundTripper(token string, insecureSkipVerify bool) http.RoundTripper {
	base := http.DefaultTransport
	if insecureSkipVerify {
		base = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return transport.NewBearerAuthRoundTripper(token, base)
}

// discoverRoute resolves the Prometheus address from its route's host.
func discoverRoute(ctx context.Context, cfg *config) (string, error) {
	cfg.logger.Infof("Obtaining route %s/%s", cfg.namespace, cfg.resourceName)
	routes, err := routeclient.NewForConfig(cfg.restConfig)
	if err != nil {
		return "", errors.Wrap(err, "building route client")
	}
	route, err := routes.RouteV1().Routes(cfg.namespace).Get(ctx, cfg.resourceName, metav1.GetOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "getting route %s/%s", cfg.namespace, cfg.resourceName)
	}
	return fmt.Sprintf("https://%s", route.Spec.Host), nil
}

// discoverToken reads the bearer token recorded on the Prometheus service
// account's pull secret.
func discoverToken(ctx context.Context, cfg *config) (string, error) {
	cfg.logger.Infof("Obtaining token from service account %s/%s", cfg.namespace, cfg.resourceName)
	kube, err := kubernetes.NewForConfig(cfg.restConfig)
	if err != nil {
		return "", errors.Wrap(err, "building kubernetes client")
	}
	sa, err := kube.CoreV1().ServiceAccounts(cfg.namespace).Get(ctx, cfg.resourceName, metav1.GetOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "getting service account %s/%s", cfg.namespace, cfg.resourceName)
	}
	if len(sa.ImagePullSecrets) == 0 {
		return "", errors.Errorf("service account %s/%s has no pull secrets to read a token from", cfg.namespace, cfg.resourceName)
	}
	secret, err := kube.CoreV1().Secrets(cfg.namespace).Get(ctx, sa.ImagePullSecrets[0].Name, metav1.GetOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "getting token secret %s/%s", cfg.namespace, sa.ImagePullSecrets[0].Name)
	}
	token := secret.Annotations[tokenSecretAnnotation]
	if token == "" {
		return "", errors.Errorf("secret %s/%s carries no %s annotation", cfg.namespace, secret.Name, tokenSecretAnnotation)
	}
	return token, nil
}

// activeTarget carries the fields of an /api/v1/targets entry read here. The
// typed client drops scrapeInterval, so the endpoint is decoded directly.
type activeTarget struct {
	Labels         model.LabelSet `json:"labels"`
	ScrapeInterval string         `json:"scrapeInterval"`
}

// discoverScrapeInterval reads the scrape interval of the active target with
// the given job label, falling back to the default when no target matches or
// the endpoint cannot be read.
func discoverScrapeInterval(ctx context.Context, client api.Client, jobName string, logger *logrus.Logger) time.Duration {
	targets, err := activeTargets(ctx, client)
	if err != nil {
		logger.WithError(err).Warnf("Reading active targets failed, using scrape interval %s", defaultScrapeInterval)
		return defaultScrapeInterval
	}
	for _, target := range targets {
		if string(target.Labels[model.JobLabel]) != jobName {
			continue
		}
		interval, err := model.ParseDuration(target.ScrapeInterval)
		if err != nil {
			logger.WithError(err).Warnf("Target %s reports unparsable scrape interval %q", jobName, target.ScrapeInterval)
			continue
		}
		return time.Duration(interval)
	}
	logger.Warnf("No active target with job %q, using scrape interval %s", jobName, defaultScrapeInterval)
	return defaultScrapeInterval
}

func activeTargets(ctx context.Context, client api.Client) ([]activeTarget, error) {
	u := client.URL("/api/v1/targets", nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, body, err := client.Do(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "reading targets")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("targets endpoint answered %s", resp.Status)
	}
	var result struct {
		Data struct {
			Active []activeTarget `json:"activeTargets"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errors.Wrap(err, "decoding targets response")
	}
	return result.Data.Active, nil
}

// ScrapeInterval returns the polling interval the waits run on.
func (p *Prometheus) ScrapeInterval() time.Duration {
	return p.scrapeInterval
}

// Query evaluates a PromQL expression at the current time.
func (p *Prometheus) Query(ctx context.Context, query string) (model.Value, error) {
	value, warnings, err := p.api.Query(ctx, query, time.Now())
	if err != nil {
		return nil, errors.Wrapf(err, "querying %q", query)
	}
	for _, warning := range warnings {
		p.logger.Warnf("Query %q: %s", query, warning)
	}
	return value, nil
}

// PollQuery evaluates the expression every scrape interval until Prometheus
// answers it successfully, tolerating unsuccessful responses up to timeout.
// The timeout error carries the last unsuccessful response.
func (p *Prometheus) PollQuery(ctx context.Context, query string, timeout time.Duration) (model.Value, error) {
	s, err := sampler.New(p.scrapeInterval, timeout,
		func(ctx context.Context) (model.Value, error) {
			return p.Query(ctx, query)
		},
		sampler.WithName(fmt.Sprintf("query %q", query)),
		sampler.WithLogger(p.logger),
		sampler.WithTolerate(func(error) bool { return true }),
	)
	if err != nil {
		return nil, err
	}

	value, err := s.Poll(ctx, nil)
	if err != nil {
		p.logger.WithError(err).Errorf("Failed to get a successful response for query %q", query)
		return nil, err
	}
	return value, nil
}

// Alerts returns all currently active alerts.
func (p *Prometheus) Alerts(ctx context.Context) ([]prometheusv1.Alert, error) {
	result, err := p.api.Alerts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing active alerts")
	}
	return result.Alerts, nil
}

// AlertsByName returns the active alerts named name.
func (p *Prometheus) AlertsByName(ctx context.Context, name string) ([]prometheusv1.Alert, error) {
	alerts, err := p.Alerts(ctx)
	if err != nil {
		return nil, err
	}
	var matched []prometheusv1.Alert
	for _, alert := range alerts {
		if string(alert.Labels[model.AlertNameLabel]) == name {
			matched = append(matched, alert)
		}
	}
	return matched, nil
}

// AlertsInState returns the active alerts named name that are in the given
// state.
func (p *Prometheus) AlertsInState(ctx context.Context, name string, state prometheusv1.AlertState) ([]prometheusv1.Alert, error) {
	alerts, err := p.AlertsByName(ctx, name)
	if err != nil {
		return nil, err
	}
	var matched []prometheusv1.Alert
	for _, alert := range alerts {
		if alert.State == state {
			matched = append(matched, alert)
		}
	}
	return matched, nil
}

// WaitForAlertState polls the active alerts every scrape interval until at
// least one alert named name is in the given state, returning the matching
// alerts. API errors end the wait immediately.
func (p *Prometheus) WaitForAlertState(ctx context.Context, name string, state prometheusv1.AlertState, timeout time.Duration) ([]prometheusv1.Alert, error) {
	s, err := sampler.New(p.scrapeInterval, timeout,
		func(ctx context.Context) ([]prometheusv1.Alert, error) {
			return p.AlertsInState(ctx, name, state)
		},
		sampler.WithName(fmt.Sprintf("wait for alert %s to be %s", name, state)),
		sampler.WithLogger(p.logger),
	)
	if err != nil {
		return nil, err
	}

	alerts, err := s.Poll(ctx, func(alerts []prometheusv1.Alert) bool {
		return len(alerts) > 0
	})
	if err != nil {
		return nil, err
	}
	p.logger.Infof("Found alert %s in %s state", name, state)
	return alerts, nil
}

// WaitForFiringAlert waits for the named alert to fire.
func (p *Prometheus) WaitForFiringAlert(ctx context.Context, name string, timeout time.Duration) ([]prometheusv1.Alert, error) {
	return p.WaitForAlertState(ctx, name, prometheusv1.AlertStateFiring, timeout)
}

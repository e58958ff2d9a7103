// Package client bootstraps the cluster clients the rest of this module
// works through. One Client carries a REST config, a typed kubernetes
// clientset and a controller-runtime client sharing a scheme that covers
// every kind the orchestration code touches.
package client

import (
	operatorv1alpha1 "github.com/openshift/api/operator/v1alpha1"
	operatorsv1 "github.com/operator-framework/api/pkg/operators/v1"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	kscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	k8scontrollerclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// Client is the set of cluster accessors built from one REST config.
type Client struct {
	restConfig *rest.Config
	scheme     *runtime.Scheme
	kube       kubernetes.Interface
	controller k8scontrollerclient.Client
}

// New builds a client from the first configuration source that applies:
// explicit REST config, explicit kubeconfig bytes, explicit kubeconfig path,
// the KUBECONFIG/default loading rules, and finally the in-cluster service
// account config when nothing on the local filesystem resolves.
func New(options ...Option) (*Client, error) {
	cfg := defaultConfig()
	cfg.apply(options)

	restConfig, err := cfg.restClientConfig()
	if err != nil {
		return nil, err
	}

	scheme, err := NewScheme()
	if err != nil {
		return nil, err
	}

	kube, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Wrap(err, "building kubernetes clientset")
	}

	controller, err := k8scontrollerclient.New(restConfig, k8scontrollerclient.Options{
		Scheme: scheme,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building controller-runtime client")
	}

	return &Client{
		restConfig: restConfig,
		scheme:     scheme,
		kube:       kube,
		controller: controller,
	}, nil
}

// NewScheme returns a scheme covering the built-in kinds plus the OLM and
// OpenShift operator kinds this module orchestrates.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	localSchemeBuilder := runtime.NewSchemeBuilder(
		kscheme.AddToScheme,
		apiextensionsv1.AddToScheme,
		operatorsv1alpha1.AddToScheme,
		operatorsv1.AddToScheme,
		operatorv1alpha1.Install,
	)
	if err := localSchemeBuilder.AddToScheme(scheme); err != nil {
		return nil, errors.Wrap(err, "building scheme")
	}
	return scheme, nil
}

// RESTConfig returns the REST config the clients were built from.
func (c *Client) RESTConfig() *rest.Config {
	return c.restConfig
}

// Scheme returns the scheme shared by the controller-runtime client.
func (c *Client) Scheme() *runtime.Scheme {
	return c.scheme
}

// Kubernetes returns the typed clientset for built-in kinds.
func (c *Client) Kubernetes() kubernetes.Interface {
	return c.kube
}

// Controller returns the generic client used for all resource handles.
func (c *Client) Controller() k8scontrollerclient.Client {
	return c.controller
}

func (c *config) restClientConfig() (*rest.Config, error) {
	if c.restConfig != nil {
		return c.restConfig, nil
	}

	overrides := &clientcmd.ConfigOverrides{CurrentContext: c.contextName}

	if len(c.kubeconfigBytes) > 0 {
		c.logger.Info("Loading kube client config from provided kubeconfig bytes")
		clientConfig, err := clientcmd.NewClientConfigFromBytes(c.kubeconfigBytes)
		if err != nil {
			return nil, errors.Wrap(err, "parsing kubeconfig bytes")
		}
		raw, err := clientConfig.RawConfig()
		if err != nil {
			return nil, errors.Wrap(err, "reading kubeconfig bytes")
		}
		return clientcmd.NewDefaultClientConfig(raw, overrides).ClientConfig()
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if c.kubeconfigPath != "" {
		c.logger.Infof("Loading kube client config from path %q", c.kubeconfigPath)
		loadingRules.ExplicitPath = c.kubeconfigPath
	}

	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err == nil {
		return restConfig, nil
	}
	if c.kubeconfigPath != "" {
		return nil, errors.Wrapf(err, "loading kubeconfig %q", c.kubeconfigPath)
	}

	c.logger.WithError(err).Info("No kubeconfig resolved, using in-cluster kube client config")
	restConfig, inClusterErr := rest.InClusterConfig()
	if inClusterErr != nil {
		return nil, errors.Wrapf(inClusterErr, "no kubeconfig (%v) and no in-cluster config", err)
	}
	return restConfig, nil
}

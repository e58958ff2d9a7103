package operators

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/distribution/reference"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/pkg/errors"
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8scontrollerclient "sigs.k8s.io/controller-runtime/pkg/client"

	operatorv1alpha1 "github.com/openshift/api/operator/v1alpha1"

	utilerrors "github.com/RedHatQE/openshift-go-utilities/pkg/lib/errors"
	"github.com/RedHatQE/openshift-go-utilities/pkg/resource"
	"github.com/RedHatQE/openshift-go-utilities/pkg/sampler"
)

const (
	mirrorPolicyName       = "brew-registry"
	imagePolicyWebhookName = "sre-imagecontentpolicies-validation"
	imagePolicyResource    = "imagecontentsourcepolicies"
	suspendedResourceName  = "nonexists"

	pullSecretName      = "pull-secret"
	pullSecretNamespace = "openshift-config"
	dockerConfigKey     = ".dockerconfigjson"

	redHatRegistry = "registry.redhat.io"

	catalogRegistryPollInterval = "30m"
	catalogReadyState           = "READY"
)

var (
	catalogReadyPollInterval = 1 * time.Second
	catalogReadyPollTimeout  = 5 * time.Minute
)

// prepareIndexCatalog provisions a catalog source backed by the configured
// index image. The image is pulled through the mirror registry, which needs
// the shared image content source policy and the cluster pull secret updated
// first.
func (i *Installer) prepareIndexCatalog(ctx context.Context) (*operatorsv1alpha1.CatalogSource, error) {
	mirrored, sourceHost, err := mirrorImageReference(i.cfg.indexImage, i.cfg.mirrorRegistry)
	if err != nil {
		return nil, err
	}

	if err := i.ensureMirrorPolicy(ctx, sourceHost); err != nil {
		return nil, err
	}
	if err := i.mergeRegistryCredentials(ctx); err != nil {
		return nil, err
	}
	return i.createCatalogSource(ctx, mirrored)
}

// mirrorImageReference rewrites the registry host of image to mirrorHost and
// returns the rewritten reference along with the original host. The host must
// be spelled out in the reference: a hostless image would normalize to a
// registry that never appears in the literal string, leaving nothing to
// rewrite.
func mirrorImageReference(image, mirrorHost string) (mirrored, sourceHost string, err error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", "", errors.Wrapf(err, "parsing index image %q", image)
	}
	sourceHost = reference.Domain(named)
	if !strings.HasPrefix(image, sourceHost+"/") {
		return "", "", utilerrors.NewConfigError("index image %q carries no registry host to mirror", image)
	}
	return strings.Replace(image, sourceHost, mirrorHost, 1), sourceHost, nil
}

// ensureMirrorPolicy routes pulls from sourceHost and the Red Hat registry
// through the mirror registry. On clusters that guard image content source
// policies with an admission webhook, the guarding rule is suspended for the
// duration of the write and restored afterwards regardless of how the write
// went.
func (i *Installer) ensureMirrorPolicy(ctx context.Context, sourceHost string) error {
	mirrors := []operatorv1alpha1.RepositoryDigestMirrors{
		{Source: sourceHost, Mirrors: []string{i.cfg.mirrorRegistry}},
		{Source: redHatRegistry, Mirrors: []string{i.cfg.mirrorRegistry}},
	}

	restore, err := i.suspendImagePolicyWebhook(ctx)
	if err != nil {
		return err
	}
	defer restore()

	return i.writeMirrorPolicy(ctx, mirrors)
}

// suspendImagePolicyWebhook masks the webhook rule guarding image content
// source policies and returns a function that restores the original rules.
// On clusters without the webhook the returned restore does nothing.
func (i *Installer) suspendImagePolicyWebhook(ctx context.Context) (func(), error) {
	webhookConfig := &admissionregistrationv1.ValidatingWebhookConfiguration{
		ObjectMeta: metav1.ObjectMeta{Name: imagePolicyWebhookName},
	}
	handle := resource.New(i.cli, webhookConfig).WithLogger(i.logger)
	exists, err := handle.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return func() {}, nil
	}

	// The webhook only exists on managed clusters.
	saved := webhookConfig.DeepCopy().Webhooks
	i.logger.Infof("Suspending %s rules of webhook %s", imagePolicyResource, imagePolicyWebhookName)
	if err := handle.Patch(ctx, func() { maskImagePolicyRules(webhookConfig) }); err != nil {
		return nil, err
	}

	restore := func() {
		i.logger.Infof("Restoring webhook %s rules", imagePolicyWebhookName)
		if err := handle.Patch(context.WithoutCancel(ctx), func() { webhookConfig.Webhooks = saved }); err != nil {
			i.logger.WithError(err).Errorf("failed to restore webhook %s", imagePolicyWebhookName)
		}
	}
	return restore, nil
}

func maskImagePolicyRules(webhookConfig *admissionregistrationv1.ValidatingWebhookConfiguration) {
	for wi := range webhookConfig.Webhooks {
		for ri := range webhookConfig.Webhooks[wi].Rules {
			ruleResources := webhookConfig.Webhooks[wi].Rules[ri].Resources
			for pi, resourceName := range ruleResources {
				if strings.Contains(resourceName, imagePolicyResource) {
					ruleResources[pi] = suspendedResourceName
					break
				}
			}
		}
	}
}

// writeMirrorPolicy creates the shared image content source policy or merges
// the given mirrors into the existing one.
func (i *Installer) writeMirrorPolicy(ctx context.Context, mirrors []operatorv1alpha1.RepositoryDigestMirrors) error {
	policy := &operatorv1alpha1.ImageContentSourcePolicy{ObjectMeta: metav1.ObjectMeta{Name: mirrorPolicyName}}
	handle := resource.New(i.cli, policy).WithLogger(i.logger)
	exists, err := handle.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		policy.Spec.RepositoryDigestMirrors = mirrors
		i.logger.Infof("Creating image content source policy %s", mirrorPolicyName)
		return handle.Create(ctx)
	}

	i.logger.Infof("Merging mirrors into image content source policy %s", mirrorPolicyName)
	return handle.Patch(ctx, func() {
		policy.Spec.RepositoryDigestMirrors = mergeDigestMirrors(policy.Spec.RepositoryDigestMirrors, mirrors)
	})
}

// mergeDigestMirrors unions updates into existing by source. Mirrors of an
// already known source are extended, never duplicated, and never dropped.
func mergeDigestMirrors(existing, updates []operatorv1alpha1.RepositoryDigestMirrors) []operatorv1alpha1.RepositoryDigestMirrors {
	merged := make([]operatorv1alpha1.RepositoryDigestMirrors, len(existing))
	copy(merged, existing)

	for _, update := range updates {
		found := false
		for mi := range merged {
			if merged[mi].Source != update.Source {
				continue
			}
			found = true
			for _, mirror := range update.Mirrors {
				if !containsString(merged[mi].Mirrors, mirror) {
					merged[mi].Mirrors = append(merged[mi].Mirrors, mirror)
				}
			}
			break
		}
		if !found {
			merged = append(merged, update)
		}
	}
	return merged
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

type registryAuth struct {
	Auth string `json:"auth"`
}

// mergeRegistryCredentials folds the mirror registry token into the cluster
// pull secret, keeping every credential already stored there. The secret is
// created when the cluster has none.
func (i *Installer) mergeRegistryCredentials(ctx context.Context) error {
	secret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: pullSecretName, Namespace: pullSecretNamespace}}
	handle := resource.New(i.cli, secret).WithLogger(i.logger)
	exists, err := handle.Exists(ctx)
	if err != nil {
		return err
	}

	if !exists {
		content, err := mergeDockerAuths(nil, i.cfg.mirrorRegistry, i.cfg.registryToken)
		if err != nil {
			return err
		}
		secret.Type = corev1.SecretTypeDockerConfigJson
		secret.Data = map[string][]byte{dockerConfigKey: content}
		i.logger.Infof("Creating pull secret %s/%s", pullSecretNamespace, pullSecretName)
		return handle.Create(ctx)
	}

	i.logger.Infof("Adding %s credentials to pull secret %s/%s", i.cfg.mirrorRegistry, pullSecretNamespace, pullSecretName)
	var mergeErr error
	err = handle.Patch(ctx, func() {
		content, err := mergeDockerAuths(secret.Data[dockerConfigKey], i.cfg.mirrorRegistry, i.cfg.registryToken)
		if err != nil {
			mergeErr = err
			return
		}
		if secret.Data == nil {
			secret.Data = map[string][]byte{}
		}
		secret.Data[dockerConfigKey] = content
	})
	if mergeErr != nil {
		return mergeErr
	}
	return err
}

// mergeDockerAuths adds an auth entry for host to the docker config JSON in
// existing, preserving entries for every other host byte for byte.
func mergeDockerAuths(existing []byte, host, token string) ([]byte, error) {
	dockerConfig := map[string]json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &dockerConfig); err != nil {
			return nil, errors.Wrap(err, "parsing pull secret content")
		}
	}
	auths := map[string]json.RawMessage{}
	if rawAuths, ok := dockerConfig["auths"]; ok {
		if err := json.Unmarshal(rawAuths, &auths); err != nil {
			return nil, errors.Wrap(err, "parsing pull secret auths")
		}
	}

	entry, err := json.Marshal(registryAuth{Auth: token})
	if err != nil {
		return nil, err
	}
	auths[host] = entry

	mergedAuths, err := json.Marshal(auths)
	if err != nil {
		return nil, err
	}
	dockerConfig["auths"] = mergedAuths
	return json.Marshal(dockerConfig)
}

// createCatalogSource deploys a grpc catalog source serving image and waits
// for its registry connection to become ready.
func (i *Installer) createCatalogSource(ctx context.Context, image string) (*operatorsv1alpha1.CatalogSource, error) {
	name := fmt.Sprintf("iib-catalog-%s", strings.ToLower(i.name))
	catalog := &operatorsv1alpha1.CatalogSource{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: i.cfg.marketplaceNamespace},
		Spec: operatorsv1alpha1.CatalogSourceSpec{
			SourceType:  operatorsv1alpha1.SourceTypeGrpc,
			Image:       image,
			DisplayName: name,
			Publisher:   name,
			UpdateStrategy: &operatorsv1alpha1.UpdateStrategy{
				RegistryPoll: &operatorsv1alpha1.RegistryPoll{RawInterval: catalogRegistryPollInterval},
			},
		},
	}

	handle := resource.New(i.cli, catalog).WithLogger(i.logger)
	i.logger.Infof("Creating catalog source %s for image %s", name, image)
	if err := handle.DeployAndWait(ctx, resource.DefaultPollDuration); err != nil {
		return nil, err
	}

	err := handle.WaitFor(ctx, catalogReadyPollInterval, catalogReadyPollTimeout,
		func(k8scontrollerclient.Object) (bool, error) {
			state := catalog.Status.GRPCConnectionState
			return state != nil && state.LastObservedState == catalogReadyState, nil
		},
		sampler.WithName(fmt.Sprintf("wait for catalog source %s connection", name)),
		sampler.WithLogger(i.logger),
		sampler.WithTolerate(apierrors.IsNotFound),
	)
	if err != nil {
		return nil, err
	}

	if i.cfg.registryProbeAddr != "" {
		healthy, err := VerifyCatalogRegistry(ctx, i.cfg.registryProbeAddr)
		if err != nil {
			return nil, err
		}
		if !healthy {
			return nil, errors.Errorf("catalog registry at %s is not serving", i.cfg.registryProbeAddr)
		}
	}
	return catalog, nil
}

package operators

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	operatorsv1 "github.com/operator-framework/api/pkg/operators/v1"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"google.golang.org/grpc/health/grpc_health_v1"
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8scontrollerclient "sigs.k8s.io/controller-runtime/pkg/client"

	operatorv1alpha1 "github.com/openshift/api/operator/v1alpha1"

	utilerrors "github.com/RedHatQE/openshift-go-utilities/pkg/lib/errors"
)

var _ = Describe("Installer", func() {
	const (
		name     = "myop"
		channel  = "stable"
		source   = "community-operators"
		planName = "install-4g7xd"
		csvName  = "myop.v1.0.0"
	)

	var (
		restoreTimings func()
		logger         *logrus.Logger
		ctx            context.Context
		recorder       *mutationRecorder
		reactor        *statusReactor
		cli            k8scontrollerclient.WithWatch
	)

	BeforeEach(func() {
		restoreTimings = quickenPolling()
		logger, _ = logtest.NewNullLogger()
		ctx = context.Background()
		recorder = &mutationRecorder{}
		reactor = newStatusReactor()
	})

	AfterEach(func() {
		restoreTimings()
	})

	seedCluster := func(seeds ...k8scontrollerclient.Object) {
		funcs := recorder.funcs()
		funcs.Get = reactor.get
		cli = buildClient(funcs, seeds...)
	}

	// subscriptionProgresses mimics the subscription reconciler: the install
	// plan reference appears on the second poll and the installed CSV name
	// right after the plan completes.
	subscriptionProgresses := func(namespace string) {
		reactor.on(&operatorsv1alpha1.Subscription{}, name, func(obj k8scontrollerclient.Object, observation int) {
			sub := obj.(*operatorsv1alpha1.Subscription)
			if observation >= 3 {
				sub.Status.InstallPlanRef = &corev1.ObjectReference{Name: planName, Namespace: namespace}
			}
			if observation >= 4 {
				sub.Status.InstalledCSV = csvName
			}
		})
	}

	planCompletes := func() {
		reactor.on(&operatorsv1alpha1.InstallPlan{}, planName, func(obj k8scontrollerclient.Object, _ int) {
			obj.(*operatorsv1alpha1.InstallPlan).Status.Phase = operatorsv1alpha1.InstallPlanPhaseComplete
		})
	}

	csvSucceeds := func() {
		reactor.on(&operatorsv1alpha1.ClusterServiceVersion{}, csvName, func(obj k8scontrollerclient.Object, observation int) {
			if observation >= 3 {
				obj.(*operatorsv1alpha1.ClusterServiceVersion).Status.Phase = operatorsv1alpha1.CSVPhaseSucceeded
			}
		})
	}

	seedOperatorTargets := func(namespace string) []k8scontrollerclient.Object {
		return []k8scontrollerclient.Object{
			&operatorsv1alpha1.InstallPlan{ObjectMeta: metav1.ObjectMeta{Name: planName, Namespace: namespace}},
			&operatorsv1alpha1.ClusterServiceVersion{ObjectMeta: metav1.ObjectMeta{Name: csvName, Namespace: namespace}},
		}
	}

	Describe("configuration", func() {
		It("rejects a missing name or channel", func() {
			_, err := NewInstaller(nil, "", channel, WithCatalogSource(source))
			Expect(utilerrors.IsConfig(err)).To(BeTrue())

			_, err = NewInstaller(nil, name, "", WithCatalogSource(source))
			Expect(utilerrors.IsConfig(err)).To(BeTrue())
		})

		It("rejects an index image without a registry token before touching the cluster", func() {
			seedCluster()

			installer, err := NewInstaller(cli, name, channel,
				WithIndexImage("registry-proxy.engineering.redhat.com/rh-osbs/iib:713808"))
			Expect(installer).To(BeNil())
			Expect(utilerrors.IsConfig(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("registry token"))
			Expect(recorder.all()).To(BeEmpty())
		})

		It("rejects an installation with neither catalog source nor index image", func() {
			_, err := NewInstaller(nil, name, channel)
			Expect(utilerrors.IsConfig(err)).To(BeTrue())
		})
	})

	Describe("from an existing catalog source", func() {
		It("drives the sequence through to a succeeded CSV", func() {
			subscriptionProgresses(name)
			planCompletes()
			csvSucceeds()
			seedCluster(seedOperatorTargets(name)...)

			installer, err := NewInstaller(cli, name, channel, WithCatalogSource(source), WithLogger(logger))
			Expect(err).ToNot(HaveOccurred())

			csv, err := installer.Install(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(csv.Name).To(Equal(csvName))
			Expect(csv.Status.Phase).To(Equal(operatorsv1alpha1.CSVPhaseSucceeded))

			Expect(recorder.all()).To(Equal([]string{
				"create v1.Namespace myop",
				"create v1.OperatorGroup myop",
				"create v1alpha1.Subscription myop",
			}))

			sub := &operatorsv1alpha1.Subscription{}
			Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Namespace: name, Name: name}, sub)).To(Succeed())
			Expect(sub.Spec.Package).To(Equal(name))
			Expect(sub.Spec.Channel).To(Equal(channel))
			Expect(sub.Spec.CatalogSource).To(Equal(source))
			Expect(sub.Spec.CatalogSourceNamespace).To(Equal(MarketplaceNamespace))
			Expect(sub.Spec.InstallPlanApproval).To(Equal(operatorsv1alpha1.ApprovalAutomatic))
		})

		It("creates the target namespaces and scopes the operator group to them", func() {
			const operatorNamespace = "op-ns"
			subscriptionProgresses(operatorNamespace)
			planCompletes()
			csvSucceeds()
			seedCluster(seedOperatorTargets(operatorNamespace)...)

			installer, err := NewInstaller(cli, name, channel,
				WithCatalogSource(source),
				WithOperatorNamespace(operatorNamespace),
				WithTargetNamespaces("app-a", "app-b"),
				WithLogger(logger),
			)
			Expect(err).ToNot(HaveOccurred())

			_, err = installer.Install(ctx)
			Expect(err).ToNot(HaveOccurred())

			Expect(recorder.all()).To(Equal([]string{
				"create v1.Namespace app-a",
				"create v1.Namespace app-b",
				"create v1.OperatorGroup myop",
				"create v1alpha1.Subscription myop",
			}))

			group := &operatorsv1.OperatorGroup{}
			Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Namespace: operatorNamespace, Name: name}, group)).To(Succeed())
			Expect(group.Spec.TargetNamespaces).To(Equal([]string{"app-a", "app-b"}))

			// Only the target namespaces are provisioned.
			ns := &corev1.Namespace{}
			err = cli.Get(ctx, k8scontrollerclient.ObjectKey{Name: operatorNamespace}, ns)
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("skips namespaces that already exist", func() {
			subscriptionProgresses(name)
			planCompletes()
			csvSucceeds()
			seeds := append(seedOperatorTargets(name),
				&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}})
			seedCluster(seeds...)

			installer, err := NewInstaller(cli, name, channel, WithCatalogSource(source), WithLogger(logger))
			Expect(err).ToNot(HaveOccurred())

			_, err = installer.Install(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(recorder.matching("create v1.Namespace")).To(BeEmpty())
		})

		It("rides out a transient NotFound while polling the subscription status", func() {
			subscriptionProgresses(name)
			planCompletes()
			csvSucceeds()

			// The first subscription read after it exists goes missing, as
			// happens when a poll races the cache right after creation.
			var seen, missed bool
			funcs := recorder.funcs()
			funcs.Get = func(ctx context.Context, inner k8scontrollerclient.WithWatch, key k8scontrollerclient.ObjectKey, obj k8scontrollerclient.Object, opts ...k8scontrollerclient.GetOption) error {
				if _, ok := obj.(*operatorsv1alpha1.Subscription); ok {
					if seen && !missed {
						missed = true
						return apierrors.NewNotFound(operatorsv1alpha1.SchemeGroupVersion.WithResource("subscriptions").GroupResource(), key.Name)
					}
					seen = true
				}
				return reactor.get(ctx, inner, key, obj, opts...)
			}
			cli = buildClient(funcs, seedOperatorTargets(name)...)

			installer, err := NewInstaller(cli, name, channel, WithCatalogSource(source), WithLogger(logger))
			Expect(err).ToNot(HaveOccurred())

			csv, err := installer.Install(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(csv.Name).To(Equal(csvName))
			Expect(missed).To(BeTrue())
		})

		It("fails fast when the install plan reports failure", func() {
			subscriptionProgresses(name)
			failed := &operatorsv1alpha1.InstallPlan{
				ObjectMeta: metav1.ObjectMeta{Name: planName, Namespace: name},
				Status: operatorsv1alpha1.InstallPlanStatus{
					Phase: operatorsv1alpha1.InstallPlanPhaseFailed,
					Conditions: []operatorsv1alpha1.InstallPlanCondition{{
						Type:    operatorsv1alpha1.InstallPlanInstalled,
						Status:  corev1.ConditionFalse,
						Reason:  operatorsv1alpha1.InstallPlanReasonComponentFailed,
						Message: "required CSV is missing",
					}},
				},
			}
			seedCluster(failed)

			installer, err := NewInstaller(cli, name, channel, WithCatalogSource(source), WithLogger(logger))
			Expect(err).ToNot(HaveOccurred())

			_, err = installer.Install(ctx)
			Expect(err).To(MatchError(ContainSubstring("install plan install-4g7xd failed")))
			Expect(err).To(MatchError(ContainSubstring("InstallComponentFailed: required CSV is missing")))
		})

		It("fails when the CSV enters the failed phase", func() {
			subscriptionProgresses(name)
			planCompletes()
			reactor.on(&operatorsv1alpha1.ClusterServiceVersion{}, csvName, func(obj k8scontrollerclient.Object, observation int) {
				if observation < 2 {
					return
				}
				csv := obj.(*operatorsv1alpha1.ClusterServiceVersion)
				csv.Status.Phase = operatorsv1alpha1.CSVPhaseFailed
				csv.Status.Message = "install strategy failed"
			})
			seedCluster(seedOperatorTargets(name)...)

			installer, err := NewInstaller(cli, name, channel, WithCatalogSource(source), WithLogger(logger))
			Expect(err).ToNot(HaveOccurred())

			_, err = installer.Install(ctx)
			Expect(err).To(MatchError(ContainSubstring("operator myop failed to install: install strategy failed")))
		})

		It("times out leaving every created object in place", func() {
			subscriptionProgresses(name)
			stuck := &operatorsv1alpha1.InstallPlan{
				ObjectMeta: metav1.ObjectMeta{Name: planName, Namespace: name},
				Status:     operatorsv1alpha1.InstallPlanStatus{Phase: operatorsv1alpha1.InstallPlanPhaseInstalling},
			}
			seedCluster(stuck)

			installer, err := NewInstaller(cli, name, channel,
				WithCatalogSource(source),
				WithTimeout(75*time.Millisecond),
				WithLogger(logger),
			)
			Expect(err).ToNot(HaveOccurred())

			_, err = installer.Install(ctx)
			Expect(utilerrors.IsTimeout(err)).To(BeTrue())

			for _, stays := range []k8scontrollerclient.Object{
				&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}},
				&operatorsv1.OperatorGroup{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: name}},
				&operatorsv1alpha1.Subscription{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: name}},
			} {
				Expect(cli.Get(ctx, k8scontrollerclient.ObjectKeyFromObject(stays), stays)).To(Succeed())
			}
		})
	})

	Describe("from an index image", func() {
		managedClusterSeeds := func() []k8scontrollerclient.Object {
			return []k8scontrollerclient.Object{
				&admissionregistrationv1.ValidatingWebhookConfiguration{
					ObjectMeta: metav1.ObjectMeta{Name: imagePolicyWebhookName},
					Webhooks: []admissionregistrationv1.ValidatingWebhook{{
						Name: "imagecontentpolicies.managed.openshift.io",
						Rules: []admissionregistrationv1.RuleWithOperations{
							{
								Operations: []admissionregistrationv1.OperationType{admissionregistrationv1.Create, admissionregistrationv1.Update},
								Rule: admissionregistrationv1.Rule{
									APIGroups:   []string{"operator.openshift.io"},
									APIVersions: []string{"*"},
									Resources:   []string{"imagecontentsourcepolicies"},
								},
							},
							{
								Operations: []admissionregistrationv1.OperationType{admissionregistrationv1.Create},
								Rule: admissionregistrationv1.Rule{
									APIGroups:   []string{""},
									APIVersions: []string{"v1"},
									Resources:   []string{"pods"},
								},
							},
						},
					}},
				},
				&operatorv1alpha1.ImageContentSourcePolicy{
					ObjectMeta: metav1.ObjectMeta{Name: mirrorPolicyName},
					Spec: operatorv1alpha1.ImageContentSourcePolicySpec{
						RepositoryDigestMirrors: []operatorv1alpha1.RepositoryDigestMirrors{{
							Source:  "registry.stage.redhat.io",
							Mirrors: []string{"brew.registry.redhat.io"},
						}},
					},
				},
				&corev1.Secret{
					ObjectMeta: metav1.ObjectMeta{Name: pullSecretName, Namespace: pullSecretNamespace},
					Type:       corev1.SecretTypeDockerConfigJson,
					Data: map[string][]byte{
						dockerConfigKey: []byte(`{"auths":{"quay.io":{"auth":"cXVheS1zZWNyZXQ="}}}`),
					},
				},
			}
		}

		catalogBecomesReady := func() {
			reactor.on(&operatorsv1alpha1.CatalogSource{}, "iib-catalog-myop", func(obj k8scontrollerclient.Object, observation int) {
				if observation >= 2 {
					obj.(*operatorsv1alpha1.CatalogSource).Status.GRPCConnectionState = &operatorsv1alpha1.GRPCConnectionState{
						LastObservedState: "READY",
					}
				}
			})
		}

		It("provisions a mirrored catalog source and subscribes to it", func() {
			subscriptionProgresses(name)
			planCompletes()
			csvSucceeds()
			catalogBecomesReady()
			seedCluster(append(managedClusterSeeds(), seedOperatorTargets(name)...)...)

			installer, err := NewInstaller(cli, name, channel,
				WithIndexImage("registry-proxy.engineering.redhat.com/rh-osbs/iib:713808"),
				WithRegistryToken("brew-secret"),
				WithLogger(logger),
			)
			Expect(err).ToNot(HaveOccurred())

			csv, err := installer.Install(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(csv.Name).To(Equal(csvName))

			// The webhook suspension brackets the mirror policy write, and the
			// catalog is in place before anything subscribes to it.
			Expect(recorder.all()).To(Equal([]string{
				"patch v1.ValidatingWebhookConfiguration sre-imagecontentpolicies-validation",
				"patch v1alpha1.ImageContentSourcePolicy brew-registry",
				"patch v1.ValidatingWebhookConfiguration sre-imagecontentpolicies-validation",
				"patch v1.Secret pull-secret",
				"create v1alpha1.CatalogSource iib-catalog-myop",
				"create v1.Namespace myop",
				"create v1.OperatorGroup myop",
				"create v1alpha1.Subscription myop",
			}))

			webhook := &admissionregistrationv1.ValidatingWebhookConfiguration{}
			Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Name: imagePolicyWebhookName}, webhook)).To(Succeed())
			Expect(webhook.Webhooks[0].Rules[0].Resources).To(Equal([]string{"imagecontentsourcepolicies"}))
			Expect(webhook.Webhooks[0].Rules[1].Resources).To(Equal([]string{"pods"}))

			policy := &operatorv1alpha1.ImageContentSourcePolicy{}
			Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Name: mirrorPolicyName}, policy)).To(Succeed())
			Expect(policy.Spec.RepositoryDigestMirrors).To(Equal([]operatorv1alpha1.RepositoryDigestMirrors{
				{Source: "registry.stage.redhat.io", Mirrors: []string{"brew.registry.redhat.io"}},
				{Source: "registry-proxy.engineering.redhat.com", Mirrors: []string{"brew.registry.redhat.io"}},
				{Source: "registry.redhat.io", Mirrors: []string{"brew.registry.redhat.io"}},
			}))

			secret := &corev1.Secret{}
			Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Namespace: pullSecretNamespace, Name: pullSecretName}, secret)).To(Succeed())
			auths := dockerAuths(secret.Data[dockerConfigKey])
			Expect(auths).To(HaveKey("quay.io"))
			Expect(auths["brew.registry.redhat.io"].Auth).To(Equal("brew-secret"))

			catalog := &operatorsv1alpha1.CatalogSource{}
			Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Namespace: MarketplaceNamespace, Name: "iib-catalog-myop"}, catalog)).To(Succeed())
			Expect(catalog.Spec.Image).To(Equal("brew.registry.redhat.io/rh-osbs/iib:713808"))
			Expect(catalog.Spec.SourceType).To(Equal(operatorsv1alpha1.SourceTypeGrpc))
			Expect(catalog.Spec.UpdateStrategy.RegistryPoll.RawInterval).To(Equal("30m"))

			sub := &operatorsv1alpha1.Subscription{}
			Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Namespace: name, Name: name}, sub)).To(Succeed())
			Expect(sub.Spec.CatalogSource).To(Equal("iib-catalog-myop"))
		})

		It("bootstraps the mirror policy and pull secret on a cluster without them", func() {
			subscriptionProgresses(name)
			planCompletes()
			csvSucceeds()
			catalogBecomesReady()
			seedCluster(seedOperatorTargets(name)...)

			installer, err := NewInstaller(cli, name, channel,
				WithIndexImage("registry-proxy.engineering.redhat.com/rh-osbs/iib:713808"),
				WithRegistryToken("brew-secret"),
				WithLogger(logger),
			)
			Expect(err).ToNot(HaveOccurred())

			_, err = installer.Install(ctx)
			Expect(err).ToNot(HaveOccurred())

			Expect(recorder.all()).To(Equal([]string{
				"create v1alpha1.ImageContentSourcePolicy brew-registry",
				"create v1.Secret pull-secret",
				"create v1alpha1.CatalogSource iib-catalog-myop",
				"create v1.Namespace myop",
				"create v1.OperatorGroup myop",
				"create v1alpha1.Subscription myop",
			}))

			policy := &operatorv1alpha1.ImageContentSourcePolicy{}
			Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Name: mirrorPolicyName}, policy)).To(Succeed())
			Expect(policy.Spec.RepositoryDigestMirrors).To(Equal([]operatorv1alpha1.RepositoryDigestMirrors{
				{Source: "registry-proxy.engineering.redhat.com", Mirrors: []string{"brew.registry.redhat.io"}},
				{Source: "registry.redhat.io", Mirrors: []string{"brew.registry.redhat.io"}},
			}))

			secret := &corev1.Secret{}
			Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Namespace: pullSecretNamespace, Name: pullSecretName}, secret)).To(Succeed())
			Expect(secret.Type).To(Equal(corev1.SecretTypeDockerConfigJson))
			auths := dockerAuths(secret.Data[dockerConfigKey])
			Expect(auths).To(HaveLen(1))
			Expect(auths["brew.registry.redhat.io"].Auth).To(Equal("brew-secret"))
		})

		It("restores the admission webhook when the mirror policy write fails", func() {
			funcs := recorder.funcs()
			funcs.Get = reactor.get
			funcs.Patch = func(ctx context.Context, inner k8scontrollerclient.WithWatch, obj k8scontrollerclient.Object, patch k8scontrollerclient.Patch, opts ...k8scontrollerclient.PatchOption) error {
				if _, ok := obj.(*operatorv1alpha1.ImageContentSourcePolicy); ok {
					return fmt.Errorf("admission webhook denied the request")
				}
				return recorder.patch(ctx, inner, obj, patch, opts...)
			}
			cli = buildClient(funcs, managedClusterSeeds()...)

			installer, err := NewInstaller(cli, name, channel,
				WithIndexImage("registry-proxy.engineering.redhat.com/rh-osbs/iib:713808"),
				WithRegistryToken("brew-secret"),
				WithLogger(logger),
			)
			Expect(err).ToNot(HaveOccurred())

			_, err = installer.Install(ctx)
			Expect(err).To(MatchError(ContainSubstring("admission webhook denied the request")))

			Expect(recorder.all()).To(Equal([]string{
				"patch v1.ValidatingWebhookConfiguration sre-imagecontentpolicies-validation",
				"patch v1.ValidatingWebhookConfiguration sre-imagecontentpolicies-validation",
			}))

			webhook := &admissionregistrationv1.ValidatingWebhookConfiguration{}
			Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Name: imagePolicyWebhookName}, webhook)).To(Succeed())
			Expect(webhook.Webhooks[0].Rules[0].Resources).To(Equal([]string{"imagecontentsourcepolicies"}))
		})

		It("aborts before subscribing when the catalog registry is not serving", func() {
			address, stop := startLocalRegistry(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			DeferCleanup(stop)
			catalogBecomesReady()
			seedCluster(append(managedClusterSeeds(), seedOperatorTargets(name)...)...)

			installer, err := NewInstaller(cli, name, channel,
				WithIndexImage("registry-proxy.engineering.redhat.com/rh-osbs/iib:713808"),
				WithRegistryToken("brew-secret"),
				WithRegistryProbe(address),
				WithLogger(logger),
			)
			Expect(err).ToNot(HaveOccurred())

			_, err = installer.Install(ctx)
			Expect(err).To(MatchError(ContainSubstring("not serving")))
			Expect(recorder.matching("Subscription")).To(BeEmpty())
		})
	})
})

func dockerAuths(content []byte) map[string]registryAuth {
	var parsed struct {
		Auths map[string]registryAuth `json:"auths"`
	}
	ExpectWithOffset(1, json.Unmarshal(content, &parsed)).To(Succeed())
	return parsed.Auths
}

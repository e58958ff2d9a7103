// Package operators installs and uninstalls operators through the operator
// lifecycle manager: namespace, operator group, subscription, install plan
// and cluster service version, in that order, each awaited by polling. The
// index-image path additionally provisions a catalog source pulled through a
// mirror registry.
package operators

import (
	"context"
	"fmt"
	"strings"
	"time"

	operatorsv1 "github.com/operator-framework/api/pkg/operators/v1"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8scontrollerclient "sigs.k8s.io/controller-runtime/pkg/client"

	utilerrors "github.com/RedHatQE/openshift-go-utilities/pkg/lib/errors"
	"github.com/RedHatQE/openshift-go-utilities/pkg/resource"
	"github.com/RedHatQE/openshift-go-utilities/pkg/sampler"
)

var (
	installPlanPollInterval  = 30 * time.Second
	installPlanPollTimeout   = 5 * time.Minute
	installedCSVPollInterval = 1 * time.Second
	installedCSVPollTimeout  = 30 * time.Second
	csvSucceededTimeout      = 10 * time.Minute
	statusPollInterval       = 1 * time.Second
)

// Installer installs one operator. The install sequence never rolls back:
// a failure leaves everything created so far in place for the Uninstaller.
type Installer struct {
	cli     k8scontrollerclient.Client
	name    string
	channel string
	cfg     *config
	logger  *logrus.Logger
}

// NewInstaller validates the requested installation before anything touches
// the cluster. Installing from an index image requires a registry token;
// installing without one requires an existing catalog source.
func NewInstaller(cli k8scontrollerclient.Client, name, channel string, options ...Option) (*Installer, error) {
	cfg := defaultOperatorConfig()
	cfg.apply(options)

	if name == "" || channel == "" {
		return nil, utilerrors.NewConfigError("operator name and channel must be provided")
	}
	if cfg.indexImage != "" && cfg.registryToken == "" {
		return nil, utilerrors.NewConfigError("a registry token must be provided to install from index image %s", cfg.indexImage)
	}
	if cfg.indexImage == "" && cfg.source == "" {
		return nil, utilerrors.NewConfigError("a catalog source must be provided when not installing from an index image")
	}
	if cfg.operatorNamespace == "" {
		cfg.operatorNamespace = name
	}

	return &Installer{cli: cli, name: name, channel: channel, cfg: cfg, logger: cfg.logger}, nil
}

// Install runs the installation sequence and returns the installed CSV once
// it has succeeded. A timeout in any step aborts the sequence with the last
// observed state attached.
func (i *Installer) Install(ctx context.Context) (*operatorsv1alpha1.ClusterServiceVersion, error) {
	source := i.cfg.source
	if i.cfg.indexImage != "" {
		catalog, err := i.prepareIndexCatalog(ctx)
		if err != nil {
			return nil, err
		}
		source = catalog.Name
	}

	if err := i.ensureNamespaces(ctx); err != nil {
		return nil, err
	}
	if err := i.createOperatorGroup(ctx); err != nil {
		return nil, err
	}
	sub, err := i.createSubscription(ctx, source)
	if err != nil {
		return nil, err
	}

	plan, err := i.waitForInstallPlan(ctx, sub)
	if err != nil {
		return nil, err
	}
	if err := i.waitForInstallPlanComplete(ctx, plan); err != nil {
		return nil, err
	}

	csvName, err := i.waitForInstalledCSVName(ctx, sub)
	if err != nil {
		return nil, err
	}
	csv, err := CSVByName(ctx, i.cli, sub.Namespace, csvName)
	if err != nil {
		return nil, err
	}
	if err := i.waitForCSVSucceeded(ctx, csv); err != nil {
		return nil, err
	}

	i.logger.Infof("Operator %s installed, CSV %s succeeded", i.name, csv.Name)
	return csv, nil
}

// ensureNamespaces creates each target namespace, or the operator namespace
// when no targets were given, skipping namespaces that already exist.
func (i *Installer) ensureNamespaces(ctx context.Context) error {
	namespaces := i.cfg.targetNamespaces
	if len(namespaces) == 0 {
		namespaces = []string{i.cfg.operatorNamespace}
	}

	for _, name := range namespaces {
		ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
		handle := resource.New(i.cli, ns).WithLogger(i.logger)
		exists, err := handle.Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			i.logger.Debugf("Namespace %s already exists", name)
			continue
		}
		i.logger.Infof("Creating namespace %s", name)
		if err := handle.DeployAndWait(ctx, resource.DefaultPollDuration); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) createOperatorGroup(ctx context.Context) error {
	group := &operatorsv1.OperatorGroup{
		ObjectMeta: metav1.ObjectMeta{Name: i.name, Namespace: i.cfg.operatorNamespace},
		Spec:       operatorsv1.OperatorGroupSpec{TargetNamespaces: i.cfg.targetNamespaces},
	}
	i.logger.Infof("Creating operator group %s in namespace %s", i.name, i.cfg.operatorNamespace)
	return resource.New(i.cli, group).WithLogger(i.logger).DeployAndWait(ctx, resource.DefaultPollDuration)
}

func (i *Installer) createSubscription(ctx context.Context, source string) (*operatorsv1alpha1.Subscription, error) {
	sub := &operatorsv1alpha1.Subscription{
		ObjectMeta: metav1.ObjectMeta{Name: i.name, Namespace: i.cfg.operatorNamespace},
		Spec: &operatorsv1alpha1.SubscriptionSpec{
			CatalogSource:          source,
			CatalogSourceNamespace: i.cfg.marketplaceNamespace,
			Package:                i.name,
			Channel:                i.channel,
			InstallPlanApproval:    operatorsv1alpha1.ApprovalAutomatic,
		},
	}
	i.logger.Infof("Creating subscription %s on channel %s from catalog source %s", i.name, i.channel, source)
	if err := resource.New(i.cli, sub).WithLogger(i.logger).DeployAndWait(ctx, resource.DefaultPollDuration); err != nil {
		return nil, err
	}
	return sub, nil
}

// waitForInstallPlan polls the subscription until its status references an
// install plan. The referenced plan is returned unfetched; once referenced
// it is expected to exist, so the phase wait treats its absence as fatal.
func (i *Installer) waitForInstallPlan(ctx context.Context, sub *operatorsv1alpha1.Subscription) (*operatorsv1alpha1.InstallPlan, error) {
	i.logger.Infof("Waiting for an install plan to be created for subscription %s", sub.Name)
	err := resource.New(i.cli, sub).WithLogger(i.logger).WaitFor(ctx, installPlanPollInterval, installPlanPollTimeout,
		func(k8scontrollerclient.Object) (bool, error) {
			return sub.Status.InstallPlanRef != nil, nil
		},
		sampler.WithName(fmt.Sprintf("wait for subscription %s install plan", sub.Name)),
		sampler.WithLogger(i.logger),
		sampler.WithTolerate(apierrors.IsNotFound),
	)
	if err != nil {
		i.logger.Errorf("Subscription %s did not get updated with an install plan, last status: %+v", sub.Name, sub.Status)
		return nil, err
	}

	ref := sub.Status.InstallPlanRef
	namespace := ref.Namespace
	if namespace == "" {
		namespace = sub.Namespace
	}
	i.logger.Infof("Install plan %s found for subscription %s", ref.Name, sub.Name)
	return &operatorsv1alpha1.InstallPlan{ObjectMeta: metav1.ObjectMeta{Name: ref.Name, Namespace: namespace}}, nil
}

func (i *Installer) waitForInstallPlanComplete(ctx context.Context, plan *operatorsv1alpha1.InstallPlan) error {
	i.logger.Infof("Waiting for install plan %s to complete", plan.Name)
	return resource.New(i.cli, plan).WithLogger(i.logger).WaitFor(ctx, statusPollInterval, i.cfg.timeout,
		func(k8scontrollerclient.Object) (bool, error) {
			if plan.Status.Phase == operatorsv1alpha1.InstallPlanPhaseFailed {
				return false, errors.Errorf("install plan %s failed: %s", plan.Name, installPlanFailureMessage(plan))
			}
			return plan.Status.Phase == operatorsv1alpha1.InstallPlanPhaseComplete, nil
		},
		sampler.WithName(fmt.Sprintf("wait for install plan %s to complete", plan.Name)),
		sampler.WithLogger(i.logger),
	)
}

func installPlanFailureMessage(plan *operatorsv1alpha1.InstallPlan) string {
	if len(plan.Status.Conditions) == 0 {
		return "no conditions reported"
	}
	condition := plan.Status.Conditions[0]
	return fmt.Sprintf("%s: %s", condition.Reason, condition.Message)
}

// waitForInstalledCSVName polls the subscription until the reconciler fills
// in the installed CSV name. The name is a lookup key, not a reference: the
// CSV itself may appear slightly later.
func (i *Installer) waitForInstalledCSVName(ctx context.Context, sub *operatorsv1alpha1.Subscription) (string, error) {
	i.logger.Infof("Waiting for subscription %s installedCSV", sub.Name)
	err := resource.New(i.cli, sub).WithLogger(i.logger).WaitFor(ctx, installedCSVPollInterval, installedCSVPollTimeout,
		func(k8scontrollerclient.Object) (bool, error) {
			return sub.Status.InstalledCSV != "", nil
		},
		sampler.WithName(fmt.Sprintf("wait for subscription %s installedCSV", sub.Name)),
		sampler.WithLogger(i.logger),
		sampler.WithTolerate(apierrors.IsNotFound),
	)
	if err != nil {
		i.logger.Errorf("Subscription %s did not report an installed CSV, last status: %+v", sub.Name, sub.Status)
		return "", err
	}
	return sub.Status.InstalledCSV, nil
}

func (i *Installer) waitForCSVSucceeded(ctx context.Context, csv *operatorsv1alpha1.ClusterServiceVersion) error {
	i.logger.Infof("Waiting for CSV %s to succeed", csv.Name)
	return resource.New(i.cli, csv).WithLogger(i.logger).WaitFor(ctx, statusPollInterval, csvSucceededTimeout,
		func(k8scontrollerclient.Object) (bool, error) {
			if csv.Status.Phase == operatorsv1alpha1.CSVPhaseFailed {
				return false, errors.Errorf("operator %s failed to install: %s", i.name, csv.Status.Message)
			}
			return csv.Status.Phase == operatorsv1alpha1.CSVPhaseSucceeded, nil
		},
		sampler.WithName(fmt.Sprintf("wait for csv %s to succeed", csv.Name)),
		sampler.WithLogger(i.logger),
		sampler.WithTolerate(apierrors.IsNotFound),
	)
}

// CSVByName fetches the cluster service version named csvName from
// namespace. Absence surfaces as the platform's NotFound error.
func CSVByName(ctx context.Context, cli k8scontrollerclient.Client, namespace, csvName string) (*operatorsv1alpha1.ClusterServiceVersion, error) {
	csv := &operatorsv1alpha1.ClusterServiceVersion{ObjectMeta: metav1.ObjectMeta{Name: csvName, Namespace: namespace}}
	if err := cli.Get(ctx, k8scontrollerclient.ObjectKeyFromObject(csv), csv); err != nil {
		return nil, errors.Wrapf(err, "getting CSV %s in namespace %s", csvName, namespace)
	}
	return csv, nil
}

// operatorNamespaceFromRecord splits an Operator record name following the
// <name>.<namespace> convention. Names that merely share the prefix without
// a clean split report ok false.
func operatorNamespaceFromRecord(recordName, operatorName string) (namespace string, ok bool) {
	remainder := strings.TrimPrefix(recordName, operatorName)
	if remainder == recordName || !strings.HasPrefix(remainder, ".") || len(remainder) < 2 {
		return "", false
	}
	return remainder[1:], true
}

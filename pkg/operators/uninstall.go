package operators

import (
	"context"
	"strings"

	operatorsv1 "github.com/operator-framework/api/pkg/operators/v1"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8scontrollerclient "sigs.k8s.io/controller-runtime/pkg/client"

	utilerrors "github.com/RedHatQE/openshift-go-utilities/pkg/lib/errors"
	"github.com/RedHatQE/openshift-go-utilities/pkg/resource"
)

// Uninstaller removes an installed operator. Removing an operator that was
// never installed is a no-op.
type Uninstaller struct {
	cli    k8scontrollerclient.Client
	name   string
	cfg    *config
	logger *logrus.Logger
}

// NewUninstaller prepares removal of the named operator. Install-only
// options are ignored.
func NewUninstaller(cli k8scontrollerclient.Client, name string, options ...Option) (*Uninstaller, error) {
	cfg := defaultOperatorConfig()
	cfg.apply(options)

	if name == "" {
		return nil, utilerrors.NewConfigError("operator name must be provided")
	}
	if cfg.operatorNamespace == "" {
		cfg.operatorNamespace = name
	}

	return &Uninstaller{cli: cli, name: name, cfg: cfg, logger: cfg.logger}, nil
}

// Uninstall deletes the operator's subscription, operator group and
// namespaces, then waits for its CSV to be fully removed. Each deletion
// succeeds when the object is already absent.
func (u *Uninstaller) Uninstall(ctx context.Context) error {
	csvName, err := u.deleteSubscription(ctx)
	if err != nil {
		return err
	}
	if err := u.deleteOperatorGroup(ctx); err != nil {
		return err
	}
	if err := u.deleteOperatorNamespaces(ctx); err != nil {
		return err
	}
	if csvName == "" {
		return nil
	}
	return u.removeCSV(ctx, csvName)
}

// deleteSubscription removes the subscription and returns the CSV name it
// recorded, if any. The name has to be read before the subscription goes
// away; nothing else remembers it.
func (u *Uninstaller) deleteSubscription(ctx context.Context) (string, error) {
	sub := &operatorsv1alpha1.Subscription{ObjectMeta: metav1.ObjectMeta{Name: u.name, Namespace: u.cfg.operatorNamespace}}
	handle := resource.Wrap(resource.New(u.cli, sub).WithLogger(u.logger), u.cfg.collector)
	exists, err := handle.Exists(ctx)
	if err != nil {
		return "", err
	}
	if !exists {
		u.logger.Infof("Subscription %s not found in namespace %s, nothing to remove", u.name, u.cfg.operatorNamespace)
		return "", nil
	}

	csvName := sub.Status.InstalledCSV
	u.logger.Infof("Deleting subscription %s", u.name)
	if err := handle.Delete(ctx); err != nil {
		return "", err
	}
	return csvName, nil
}

func (u *Uninstaller) deleteOperatorGroup(ctx context.Context) error {
	group := &operatorsv1.OperatorGroup{ObjectMeta: metav1.ObjectMeta{Name: u.name, Namespace: u.cfg.operatorNamespace}}
	u.logger.Infof("Deleting operator group %s", u.name)
	return resource.Wrap(resource.New(u.cli, group).WithLogger(u.logger), u.cfg.collector).Delete(ctx)
}

// deleteOperatorNamespaces recovers the namespaces the operator was
// installed into from the cluster's Operator records, whose names follow the
// <name>.<namespace> convention, and deletes them. Records that share the
// name prefix without a clean split are skipped, never guessed at.
func (u *Uninstaller) deleteOperatorNamespaces(ctx context.Context) error {
	records := &operatorsv1.OperatorList{}
	if err := u.cli.List(ctx, records); err != nil {
		return errors.Wrap(err, "listing operators")
	}

	for _, record := range records.Items {
		if !strings.HasPrefix(record.Name, u.name) {
			continue
		}
		namespace, ok := operatorNamespaceFromRecord(record.Name, u.name)
		if !ok {
			u.logger.Warnf("Operator record %s matches %s but does not split into <name>.<namespace>, skipping", record.Name, u.name)
			continue
		}

		ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: namespace}}
		handle := resource.Wrap(resource.New(u.cli, ns).WithLogger(u.logger), u.cfg.collector)
		exists, err := handle.Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		u.logger.Infof("Deleting namespace %s recovered from operator record %s", namespace, record.Name)
		if err := handle.Delete(ctx); err != nil {
			return err
		}
	}
	return nil
}

// removeCSV deletes the recorded CSV, and the CRDs it owns when requested,
// then waits for the CSV to be gone.
func (u *Uninstaller) removeCSV(ctx context.Context, csvName string) error {
	csv := &operatorsv1alpha1.ClusterServiceVersion{ObjectMeta: metav1.ObjectMeta{Name: csvName, Namespace: u.cfg.operatorNamespace}}
	handle := resource.New(u.cli, csv).WithLogger(u.logger)
	exists, err := handle.Exists(ctx)
	if err != nil {
		return err
	}

	if exists {
		if u.cfg.deleteCRDs {
			for _, owned := range csv.Spec.CustomResourceDefinitions.Owned {
				if err := u.deleteCRD(ctx, owned.Name); err != nil {
					return err
				}
			}
		}
		u.logger.Infof("Deleting CSV %s", csvName)
		if err := resource.Wrap(handle, u.cfg.collector).Delete(ctx); err != nil {
			return err
		}
	}

	u.logger.Infof("Waiting for CSV %s removal", csvName)
	return handle.WaitDeleted(ctx, u.cfg.timeout)
}

func (u *Uninstaller) deleteCRD(ctx context.Context, name string) error {
	crd := &apiextensionsv1.CustomResourceDefinition{ObjectMeta: metav1.ObjectMeta{Name: name}}
	u.logger.Infof("Deleting CRD %s owned by %s", name, u.name)
	return resource.Wrap(resource.New(u.cli, crd).WithLogger(u.logger), u.cfg.collector).Delete(ctx)
}

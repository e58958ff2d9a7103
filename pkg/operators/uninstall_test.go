package operators

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	operatorsv1 "github.com/operator-framework/api/pkg/operators/v1"
	operatorsv1alpha1 "github.com/operator-framework/api/pkg/operators/v1alpha1"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8scontrollerclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	utilerrors "github.com/RedHatQE/openshift-go-utilities/pkg/lib/errors"
)

var _ = Describe("Uninstaller", func() {
	const (
		name    = "myop"
		csvName = "myop.v1.0.0"
		crdName = "widgets.example.com"
	)

	var (
		logger  *logrus.Logger
		logHook *logtest.Hook
		ctx     context.Context
	)

	BeforeEach(func() {
		logger, logHook = logtest.NewNullLogger()
		ctx = context.Background()
	})

	installedOperatorSeeds := func() []k8scontrollerclient.Object {
		return []k8scontrollerclient.Object{
			&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}},
			&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "bystander"}},
			&operatorsv1alpha1.Subscription{
				ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: name},
				Status:     operatorsv1alpha1.SubscriptionStatus{InstalledCSV: csvName},
			},
			&operatorsv1.OperatorGroup{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: name}},
			&operatorsv1.Operator{ObjectMeta: metav1.ObjectMeta{Name: "myop.myop"}},
			&operatorsv1.Operator{ObjectMeta: metav1.ObjectMeta{Name: "myop-metrics.bystander"}},
			&operatorsv1alpha1.ClusterServiceVersion{
				ObjectMeta: metav1.ObjectMeta{Name: csvName, Namespace: name},
				Spec: operatorsv1alpha1.ClusterServiceVersionSpec{
					CustomResourceDefinitions: operatorsv1alpha1.CustomResourceDefinitions{
						Owned: []operatorsv1alpha1.CRDDescription{{Name: crdName, Version: "v1", Kind: "Widget"}},
					},
				},
			},
			&apiextensionsv1.CustomResourceDefinition{ObjectMeta: metav1.ObjectMeta{Name: crdName}},
		}
	}

	It("requires an operator name", func() {
		_, err := NewUninstaller(nil, "")
		Expect(utilerrors.IsConfig(err)).To(BeTrue())
	})

	It("succeeds when the operator was never installed", func() {
		cli := buildClient(interceptor.Funcs{})

		uninstaller, err := NewUninstaller(cli, name, WithLogger(logger))
		Expect(err).ToNot(HaveOccurred())
		Expect(uninstaller.Uninstall(ctx)).To(Succeed())
		Expect(logMessages(logHook)).To(ContainElement(ContainSubstring("nothing to remove")))
	})

	It("removes the subscription, operator group, namespaces and CSV in order", func() {
		recorder := &mutationRecorder{}
		cli := buildClient(recorder.funcs(), installedOperatorSeeds()...)

		uninstaller, err := NewUninstaller(cli, name, WithLogger(logger))
		Expect(err).ToNot(HaveOccurred())
		Expect(uninstaller.Uninstall(ctx)).To(Succeed())

		Expect(recorder.all()).To(Equal([]string{
			"delete v1alpha1.Subscription myop",
			"delete v1.OperatorGroup myop",
			"delete v1.Namespace myop",
			"delete v1alpha1.ClusterServiceVersion myop.v1.0.0",
		}))

		for _, gone := range []k8scontrollerclient.Object{
			&operatorsv1alpha1.Subscription{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: name}},
			&operatorsv1.OperatorGroup{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: name}},
			&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}},
			&operatorsv1alpha1.ClusterServiceVersion{ObjectMeta: metav1.ObjectMeta{Name: csvName, Namespace: name}},
		} {
			err := cli.Get(ctx, k8scontrollerclient.ObjectKeyFromObject(gone), gone)
			Expect(apierrors.IsNotFound(err)).To(BeTrue(), "%s should be gone", gone.GetName())
		}

		// The ambiguous operator record must not take the bystander namespace
		// down with it.
		bystander := &corev1.Namespace{}
		Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Name: "bystander"}, bystander)).To(Succeed())
		Expect(logMessages(logHook)).To(ContainElement(ContainSubstring("myop-metrics.bystander")))

		// CRDs survive unless their removal is asked for.
		crd := &apiextensionsv1.CustomResourceDefinition{}
		Expect(cli.Get(ctx, k8scontrollerclient.ObjectKey{Name: crdName}, crd)).To(Succeed())
	})

	It("also removes owned CRDs when asked to", func() {
		recorder := &mutationRecorder{}
		cli := buildClient(recorder.funcs(), installedOperatorSeeds()...)

		uninstaller, err := NewUninstaller(cli, name, WithDeleteCRDs(), WithLogger(logger))
		Expect(err).ToNot(HaveOccurred())
		Expect(uninstaller.Uninstall(ctx)).To(Succeed())

		crd := &apiextensionsv1.CustomResourceDefinition{}
		err = cli.Get(ctx, k8scontrollerclient.ObjectKey{Name: crdName}, crd)
		Expect(apierrors.IsNotFound(err)).To(BeTrue())

		// Owned CRDs go before the CSV that recorded them.
		Expect(recorder.matching("delete")).To(Equal([]string{
			"delete v1alpha1.Subscription myop",
			"delete v1.OperatorGroup myop",
			"delete v1.Namespace myop",
			"delete v1.CustomResourceDefinition widgets.example.com",
			"delete v1alpha1.ClusterServiceVersion myop.v1.0.0",
		}))
	})

	It("skips CSV removal when the subscription recorded none", func() {
		recorder := &mutationRecorder{}
		seeds := []k8scontrollerclient.Object{
			&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}},
			&operatorsv1alpha1.Subscription{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: name}},
			&operatorsv1.OperatorGroup{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: name}},
		}
		cli := buildClient(recorder.funcs(), seeds...)

		uninstaller, err := NewUninstaller(cli, name, WithLogger(logger))
		Expect(err).ToNot(HaveOccurred())
		Expect(uninstaller.Uninstall(ctx)).To(Succeed())
		Expect(recorder.matching("ClusterServiceVersion")).To(BeEmpty())
	})
})

var _ = DescribeTable("operator record splitting",
	func(record, operator, expectedNamespace string, expectedOK bool) {
		namespace, ok := operatorNamespaceFromRecord(record, operator)
		Expect(ok).To(Equal(expectedOK))
		Expect(namespace).To(Equal(expectedNamespace))
	},
	Entry("clean split", "myop.operators", "myop", "operators", true),
	Entry("dotted remainder", "myop.team.a", "myop", "team.a", true),
	Entry("no namespace part", "myop", "myop", "", false),
	Entry("empty namespace part", "myop.", "myop", "", false),
	Entry("shared prefix without separator", "myoperator.ns", "myop", "", false),
	Entry("different operator", "other.ns", "myop", "", false),
)

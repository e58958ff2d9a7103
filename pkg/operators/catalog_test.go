package operators

import (
	"encoding/json"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"

	operatorv1alpha1 "github.com/openshift/api/operator/v1alpha1"

	utilerrors "github.com/RedHatQE/openshift-go-utilities/pkg/lib/errors"
)

var _ = Describe("mirrorImageReference", func() {
	DescribeTable("rewrites the registry host",
		func(image, mirror, expectedImage, expectedSource string) {
			mirrored, sourceHost, err := mirrorImageReference(image, mirror)
			Expect(err).ToNot(HaveOccurred())
			Expect(mirrored).To(Equal(expectedImage))
			Expect(sourceHost).To(Equal(expectedSource))
		},
		Entry("tagged image",
			"registry-proxy.engineering.redhat.com/rh-osbs/iib:713808", "brew.registry.redhat.io",
			"brew.registry.redhat.io/rh-osbs/iib:713808", "registry-proxy.engineering.redhat.com"),
		Entry("digest image",
			"registry.example.com/team/index@sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", "mirror.example.com",
			"mirror.example.com/team/index@sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", "registry.example.com"),
		Entry("registry with port",
			"registry.example.com:5000/team/index:v4.15", "mirror.example.com",
			"mirror.example.com/team/index:v4.15", "registry.example.com:5000"),
	)

	It("rejects an unparsable image reference", func() {
		_, _, err := mirrorImageReference("registry.example.com/team/INDEX:tag", "mirror.example.com")
		Expect(err).To(MatchError(ContainSubstring("parsing index image")))
	})

	It("rejects an image without an explicit registry host", func() {
		// A hostless reference normalizes to docker.io, which never occurs
		// in the literal string, so there is nothing to rewrite.
		_, _, err := mirrorImageReference("rh-osbs/iib:713808", "mirror.example.com")
		Expect(utilerrors.IsConfig(err)).To(BeTrue())
		Expect(err).To(MatchError(ContainSubstring("no registry host")))
	})
})

var _ = Describe("mergeDigestMirrors", func() {
	It("appends sources the policy does not know yet", func() {
		existing := []operatorv1alpha1.RepositoryDigestMirrors{
			{Source: "registry.stage.redhat.io", Mirrors: []string{"stage.mirror.example.com"}},
		}
		updates := []operatorv1alpha1.RepositoryDigestMirrors{
			{Source: "registry.redhat.io", Mirrors: []string{"brew.registry.redhat.io"}},
		}

		Expect(mergeDigestMirrors(existing, updates)).To(Equal([]operatorv1alpha1.RepositoryDigestMirrors{
			{Source: "registry.stage.redhat.io", Mirrors: []string{"stage.mirror.example.com"}},
			{Source: "registry.redhat.io", Mirrors: []string{"brew.registry.redhat.io"}},
		}))
	})

	It("extends the mirrors of a known source without duplicating them", func() {
		existing := []operatorv1alpha1.RepositoryDigestMirrors{
			{Source: "registry.redhat.io", Mirrors: []string{"mirror-a.example.com"}},
			{Source: "quay.io", Mirrors: []string{"mirror-b.example.com"}},
		}
		updates := []operatorv1alpha1.RepositoryDigestMirrors{
			{Source: "registry.redhat.io", Mirrors: []string{"mirror-a.example.com", "mirror-c.example.com"}},
		}

		Expect(mergeDigestMirrors(existing, updates)).To(Equal([]operatorv1alpha1.RepositoryDigestMirrors{
			{Source: "registry.redhat.io", Mirrors: []string{"mirror-a.example.com", "mirror-c.example.com"}},
			{Source: "quay.io", Mirrors: []string{"mirror-b.example.com"}},
		}))
	})

	It("builds the policy from nothing", func() {
		updates := []operatorv1alpha1.RepositoryDigestMirrors{
			{Source: "registry.redhat.io", Mirrors: []string{"brew.registry.redhat.io"}},
		}
		Expect(mergeDigestMirrors(nil, updates)).To(Equal(updates))
	})
})

var _ = Describe("mergeDockerAuths", func() {
	expectJSON := func(content []byte, expected string) {
		var got, want map[string]any
		ExpectWithOffset(1, json.Unmarshal(content, &got)).To(Succeed())
		ExpectWithOffset(1, json.Unmarshal([]byte(expected), &want)).To(Succeed())
		ExpectWithOffset(1, cmp.Diff(want, got)).To(BeEmpty())
	}

	It("creates the auths document from scratch", func() {
		content, err := mergeDockerAuths(nil, "brew.registry.redhat.io", "brew-secret")
		Expect(err).ToNot(HaveOccurred())
		expectJSON(content, `{"auths":{"brew.registry.redhat.io":{"auth":"brew-secret"}}}`)
	})

	It("preserves other hosts and unknown fields", func() {
		existing := []byte(`{"auths":{"quay.io":{"auth":"cXVheQ==","email":"eng@example.com"}},"HttpHeaders":{"User-Agent":"docker/24"}}`)

		content, err := mergeDockerAuths(existing, "brew.registry.redhat.io", "brew-secret")
		Expect(err).ToNot(HaveOccurred())
		expectJSON(content, `{
			"HttpHeaders": {"User-Agent": "docker/24"},
			"auths": {
				"quay.io": {"auth": "cXVheQ==", "email": "eng@example.com"},
				"brew.registry.redhat.io": {"auth": "brew-secret"}
			}
		}`)
	})

	It("replaces the entry for the merged host", func() {
		existing := []byte(`{"auths":{"brew.registry.redhat.io":{"auth":"stale","email":"old@example.com"}}}`)

		content, err := mergeDockerAuths(existing, "brew.registry.redhat.io", "fresh")
		Expect(err).ToNot(HaveOccurred())
		expectJSON(content, `{"auths":{"brew.registry.redhat.io":{"auth":"fresh"}}}`)
	})

	It("rejects malformed pull secret content", func() {
		_, err := mergeDockerAuths([]byte("{not json"), "brew.registry.redhat.io", "token")
		Expect(err).To(MatchError(ContainSubstring("parsing pull secret content")))
	})
})

var _ = Describe("maskImagePolicyRules", func() {
	It("replaces the first guarded resource name in each rule", func() {
		webhookConfig := &admissionregistrationv1.ValidatingWebhookConfiguration{
			Webhooks: []admissionregistrationv1.ValidatingWebhook{{
				Rules: []admissionregistrationv1.RuleWithOperations{
					{Rule: admissionregistrationv1.Rule{Resources: []string{"imagecontentsourcepolicies", "pods"}}},
					{Rule: admissionregistrationv1.Rule{Resources: []string{"configmaps"}}},
					{Rule: admissionregistrationv1.Rule{Resources: []string{"imagecontentsourcepolicies", "imagecontentsourcepolicies/status"}}},
				},
			}},
		}

		maskImagePolicyRules(webhookConfig)

		Expect(webhookConfig.Webhooks[0].Rules[0].Resources).To(Equal([]string{"nonexists", "pods"}))
		Expect(webhookConfig.Webhooks[0].Rules[1].Resources).To(Equal([]string{"configmaps"}))
		Expect(webhookConfig.Webhooks[0].Rules[2].Resources).To(Equal([]string{"nonexists", "imagecontentsourcepolicies/status"}))
	})

	It("leaves a webhook without guarded rules alone", func() {
		webhookConfig := &admissionregistrationv1.ValidatingWebhookConfiguration{
			Webhooks: []admissionregistrationv1.ValidatingWebhook{{
				Rules: []admissionregistrationv1.RuleWithOperations{
					{Rule: admissionregistrationv1.Rule{Resources: []string{"pods", "configmaps"}}},
				},
			}},
		}

		maskImagePolicyRules(webhookConfig)
		Expect(webhookConfig.Webhooks[0].Rules[0].Resources).To(Equal([]string{"pods", "configmaps"}))
	})
})

package operators

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
	operatorv1alpha1 "github.com/openshift/api/operator/v1alpha1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	k8scontrollerclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/RedHatQE/openshift-go-utilities/pkg/lib/exec"
	"github.com/RedHatQE/openshift-go-utilities/pkg/resource"
)

const mirrorManifestFileName = "ImageContentSourcePolicy.yaml"

// MirrorManifestsOptions select which catalog image gets mirrored and where
// the generated manifests land.
type MirrorManifestsOptions struct {
	// Image is the catalog image whose content mappings get mirrored.
	Image string

	// SourceURL is the registry the generated policy routes pulls to.
	SourceURL string

	// ManifestsDir receives the generated manifest files.
	ManifestsDir string

	// RegistryConfig is an optional registry credentials file handed to oc.
	RegistryConfig string

	// FilterOptions narrow the mirrored image variants, passed through
	// verbatim.
	FilterOptions []string
}

// MirrorManifestsCommand returns the oc adm catalog mirror argv that
// generates mirror manifests locally without touching the cluster.
func MirrorManifestsCommand(opts MirrorManifestsOptions) []string {
	command := []string{
		"oc", "adm", "catalog", "mirror", opts.Image, opts.SourceURL,
		"--manifests-only", fmt.Sprintf("--to-manifests=%s", opts.ManifestsDir),
	}
	command = append(command, opts.FilterOptions...)
	if opts.RegistryConfig != "" {
		command = append(command, fmt.Sprintf("--registry-config=%s", opts.RegistryConfig))
	}
	return command
}

// GenerateMirrorManifests mirrors the catalog manifests through runner and
// returns the path of the generated image content source policy file.
func GenerateMirrorManifests(ctx context.Context, logger *logrus.Logger, runner exec.Runner, opts MirrorManifestsOptions) (string, error) {
	command := MirrorManifestsCommand(opts)
	logger.Infof("catalog mirror command: %v", command)
	if _, _, err := runner.Run(ctx, command); err != nil {
		return "", err
	}

	path := filepath.Join(opts.ManifestsDir, mirrorManifestFileName)
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(err, "catalog mirror did not generate %q", path)
	}
	return path, nil
}

// ApplyMirrorManifest deploys the image content source policy stored in the
// generated manifest file.
func ApplyMirrorManifest(ctx context.Context, cli k8scontrollerclient.Client, logger *logrus.Logger, path string) (*operatorv1alpha1.ImageContentSourcePolicy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading mirror manifest %q", path)
	}
	policy := &operatorv1alpha1.ImageContentSourcePolicy{}
	if err := yaml.Unmarshal(content, policy); err != nil {
		return nil, errors.Wrapf(err, "parsing mirror manifest %q", path)
	}

	logger.Infof("Creating image content source policy %s from %s", policy.Name, path)
	if err := resource.New(cli, policy).WithLogger(logger).DeployAndWait(ctx, resource.DefaultPollDuration); err != nil {
		return nil, err
	}
	return policy, nil
}

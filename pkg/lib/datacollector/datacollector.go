// Package datacollector dumps the state of cluster resources to local files
// so that post-mortem analysis survives resource cleanup.
package datacollector

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	k8scontrollerclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"
)

// ConfigEnvVar names the file the process-wide collector configuration is
// read from.
const ConfigEnvVar = "OPENSHIFT_GO_UTILITIES_DATA_COLLECTOR_YAML"

// Config controls where and how much data is collected. The zero value
// disables collection.
type Config struct {
	BaseDirectory  string `json:"data_collector_base_directory"`
	CollectPodLogs bool   `json:"collect_pod_logs"`
}

// Enabled reports whether collection is configured.
func (c Config) Enabled() bool {
	return c.BaseDirectory != ""
}

// FromFile reads a collector configuration from a YAML file.
func FromFile(path string) (Config, error) {
	var cfg Config
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading data collector config %q", path)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing data collector config %q", path)
	}
	return cfg, nil
}

var (
	loadOnce  sync.Once
	loadedCfg Config
	loadedErr error
)

// FromEnv reads the configuration named by ConfigEnvVar exactly once per
// process. An unset variable yields a disabled config.
func FromEnv() (Config, error) {
	loadOnce.Do(func() {
		path := os.Getenv(ConfigEnvVar)
		if path == "" {
			return
		}
		loadedCfg, loadedErr = FromFile(path)
	})
	return loadedCfg, loadedErr
}

// Collector writes resource dumps under the configured base directory.
type Collector struct {
	Config Config

	// Kube is used to stream pod logs. Leave nil to skip log collection
	// even when the config asks for it.
	Kube   kubernetes.Interface
	Logger *logrus.Logger
}

// New returns a collector for the given config logging through the standard
// logger.
func New(cfg Config) *Collector {
	return &Collector{Config: cfg, Logger: logrus.New()}
}

// Collect dumps obj as YAML under <base>/<kind>/<namespace>/<name>.yaml and,
// when configured, appends the logs of every container if obj is a Pod.
func (c *Collector) Collect(ctx context.Context, cli k8scontrollerclient.Client, obj k8scontrollerclient.Object) error {
	if !c.Config.Enabled() {
		return nil
	}

	gvk, err := apiutil.GVKForObject(obj, cli.Scheme())
	if err != nil {
		return errors.Wrap(err, "resolving dumped object kind")
	}
	c.Logger.Infof("Collecting data for %s %s/%s", gvk.Kind, obj.GetNamespace(), obj.GetName())

	dir := filepath.Join(c.Config.BaseDirectory, strings.ToLower(gvk.Kind), obj.GetNamespace())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating collection directory")
	}

	content, err := yaml.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s %q", gvk.Kind, obj.GetName())
	}
	if err := os.WriteFile(filepath.Join(dir, obj.GetName()+".yaml"), content, 0644); err != nil {
		return errors.Wrap(err, "writing resource dump")
	}

	if pod, ok := obj.(*corev1.Pod); ok && c.Config.CollectPodLogs && c.Kube != nil {
		return c.collectPodLogs(ctx, dir, pod)
	}
	return nil
}

func (c *Collector) collectPodLogs(ctx context.Context, dir string, pod *corev1.Pod) error {
	logsDir := filepath.Join(dir, pod.GetName())
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return errors.Wrap(err, "creating pod logs directory")
	}

	for _, container := range pod.Spec.Containers {
		req := c.Kube.CoreV1().Pods(pod.GetNamespace()).GetLogs(pod.GetName(), &corev1.PodLogOptions{Container: container.Name})
		stream, err := req.Stream(ctx)
		if err != nil {
			return errors.Wrapf(err, "streaming logs of container %q", container.Name)
		}

		content, err := io.ReadAll(stream)
		stream.Close()
		if err != nil {
			return errors.Wrapf(err, "reading logs of container %q", container.Name)
		}
		if err := os.WriteFile(filepath.Join(logsDir, container.Name+".log"), content, 0644); err != nil {
			return errors.Wrap(err, "writing pod logs")
		}
	}
	return nil
}

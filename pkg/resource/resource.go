// Package resource wraps a single named cluster object with the create,
// patch, delete and wait operations the orchestration code in this module is
// built from. A handle never caches remote state: every check re-reads the
// object from the cluster.
package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	k8scontrollerclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"

	"github.com/RedHatQE/openshift-go-utilities/pkg/sampler"
)

const (
	DefaultPollInterval = 1 * time.Second
	DefaultPollDuration = 30 * time.Second
)

// Condition evaluates freshly fetched state of the handled object. Returning
// an error ends the wait immediately.
type Condition func(obj k8scontrollerclient.Object) (bool, error)

// Handle binds a client to one named object.
type Handle struct {
	cli    k8scontrollerclient.Client
	obj    k8scontrollerclient.Object
	logger *logrus.Logger
}

// New returns a handle for obj. The object carries the target name and
// namespace; its remaining fields are refreshed from the cluster by Get and
// the wait helpers.
func New(cli k8scontrollerclient.Client, obj k8scontrollerclient.Object) *Handle {
	return &Handle{cli: cli, obj: obj, logger: logrus.New()}
}

// WithLogger replaces the handle's logger and returns the handle.
func (h *Handle) WithLogger(logger *logrus.Logger) *Handle {
	h.logger = logger
	return h
}

// Object returns the handled object with whatever state was last fetched.
func (h *Handle) Object() k8scontrollerclient.Object {
	return h.obj
}

// Key returns the object's namespaced name.
func (h *Handle) Key() k8scontrollerclient.ObjectKey {
	return k8scontrollerclient.ObjectKeyFromObject(h.obj)
}

// Get refreshes the handled object from the cluster.
func (h *Handle) Get(ctx context.Context) error {
	return h.cli.Get(ctx, h.Key(), h.obj)
}

// Exists reports whether the object is present, refreshing it when it is.
func (h *Handle) Exists(ctx context.Context) (bool, error) {
	err := h.Get(ctx)
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create submits the object to the cluster. An existing object surfaces as
// the platform's AlreadyExists error.
func (h *Handle) Create(ctx context.Context) error {
	return h.cli.Create(ctx, h.obj)
}

// Update replaces the remote object with the handle's current state.
func (h *Handle) Update(ctx context.Context) error {
	return h.cli.Update(ctx, h.obj)
}

// Patch refreshes the object, applies mutate to it, and submits the
// difference as a merge patch. Nothing is sent when mutate changes nothing.
func (h *Handle) Patch(ctx context.Context, mutate func()) error {
	if err := h.Get(ctx); err != nil {
		return err
	}

	original, err := json.Marshal(h.obj)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s", h.describe())
	}
	mutate()
	modified, err := json.Marshal(h.obj)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s", h.describe())
	}

	patch, err := jsonpatch.CreateMergePatch(original, modified)
	if err != nil {
		return errors.Wrapf(err, "creating patch for %s", h.describe())
	}
	if string(patch) == "{}" {
		return nil
	}
	return h.cli.Patch(ctx, h.obj, k8scontrollerclient.RawPatch(types.MergePatchType, patch))
}

// Delete removes the object, treating an already absent object as success.
func (h *Handle) Delete(ctx context.Context) error {
	err := h.StrictDelete(ctx)
	if apierrors.IsNotFound(err) {
		h.logger.Debugf("%s already absent, nothing to delete", h.describe())
		return nil
	}
	return err
}

// StrictDelete removes the object and propagates NotFound when it was
// already gone.
func (h *Handle) StrictDelete(ctx context.Context) error {
	return h.cli.Delete(ctx, h.obj)
}

// DeployAndWait creates the object unless it already exists, then waits for
// it to be visible.
func (h *Handle) DeployAndWait(ctx context.Context, timeout time.Duration) error {
	if err := h.Create(ctx); err != nil && !apierrors.IsAlreadyExists(err) {
		return err
	}
	return h.WaitExists(ctx, timeout)
}

// WaitExists polls until the object is present.
func (h *Handle) WaitExists(ctx context.Context, timeout time.Duration) error {
	s, err := sampler.New(DefaultPollInterval, timeout, func(ctx context.Context) (bool, error) {
		return h.Exists(ctx)
	}, sampler.WithName(fmt.Sprintf("wait for %s to exist", h.describe())), sampler.WithLogger(h.logger))
	if err != nil {
		return err
	}
	_, err = s.Poll(ctx, func(exists bool) bool { return exists })
	return err
}

// WaitDeleted polls until the object is gone.
func (h *Handle) WaitDeleted(ctx context.Context, timeout time.Duration) error {
	s, err := sampler.New(DefaultPollInterval, timeout, func(ctx context.Context) (bool, error) {
		return h.Exists(ctx)
	}, sampler.WithName(fmt.Sprintf("wait for %s deletion", h.describe())), sampler.WithLogger(h.logger))
	if err != nil {
		return err
	}
	_, err = s.Poll(ctx, func(exists bool) bool { return !exists })
	return err
}

// WaitFor refreshes the object every interval until cond accepts it. Extra
// sampler options, such as tolerating NotFound while the object has yet to
// appear, are passed through.
func (h *Handle) WaitFor(ctx context.Context, interval, timeout time.Duration, cond Condition, options ...sampler.Option) error {
	options = append([]sampler.Option{
		sampler.WithName(fmt.Sprintf("wait for %s condition", h.describe())),
		sampler.WithLogger(h.logger),
	}, options...)
	s, err := sampler.New(interval, timeout, func(ctx context.Context) (k8scontrollerclient.Object, error) {
		if err := h.Get(ctx); err != nil {
			return nil, err
		}
		return h.obj, nil
	}, options...)
	if err != nil {
		return err
	}

	it := s.Run(ctx)
	for it.Next() {
		done, err := cond(it.Value())
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return it.Err()
}

func (h *Handle) describe() string {
	gvk, err := apiutil.GVKForObject(h.obj, h.cli.Scheme())
	if err != nil {
		return fmt.Sprintf("%T %s", h.obj, h.Key())
	}
	return fmt.Sprintf("%s %s", strings.ToLower(gvk.Kind), h.Key())
}

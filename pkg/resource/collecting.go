package resource

import (
	"context"

	"github.com/RedHatQE/openshift-go-utilities/pkg/lib/datacollector"
)

const (
	// ManagedByLabel marks objects created through a collecting handle.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "openshift-go-utilities"
)

// CollectingHandle behaves like Handle but dumps the object's state through
// a data collector before deleting it. Collection failures are logged and
// never block the deletion itself.
type CollectingHandle struct {
	*Handle
	collector *datacollector.Collector
}

// Wrap decorates a handle with pre-deletion data collection.
func Wrap(h *Handle, collector *datacollector.Collector) *CollectingHandle {
	return &CollectingHandle{Handle: h, collector: collector}
}

// Create labels the object as managed by this module and submits it.
func (h *CollectingHandle) Create(ctx context.Context) error {
	labels := h.obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[ManagedByLabel] = ManagedByValue
	h.obj.SetLabels(labels)
	return h.Handle.Create(ctx)
}

// Delete collects the object's state, then removes it. An already absent
// object is success.
func (h *CollectingHandle) Delete(ctx context.Context) error {
	h.collect(ctx)
	return h.Handle.Delete(ctx)
}

// StrictDelete collects the object's state, then removes it, propagating
// NotFound when it was already gone.
func (h *CollectingHandle) StrictDelete(ctx context.Context) error {
	h.collect(ctx)
	return h.Handle.StrictDelete(ctx)
}

func (h *CollectingHandle) collect(ctx context.Context) {
	if h.collector == nil {
		return
	}
	if err := h.Get(ctx); err != nil {
		h.logger.WithError(err).Debugf("skipping data collection for %s", h.describe())
		return
	}
	if err := h.collector.Collect(ctx, h.cli, h.obj); err != nil {
		h.logger.WithError(err).Warnf("failed to collect data for %s", h.describe())
	}
}

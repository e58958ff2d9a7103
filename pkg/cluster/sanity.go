// Package cluster verifies basic cluster health: nodes ready, schedulable
// and free of pressure conditions, and no failed or pending pods. Each check
// reads fresh state and reports every offender in one typed error.
package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	k8scontrollerclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// NodeNotReadyError lists the nodes whose kubelet Ready condition is not
// true.
type NodeNotReadyError struct {
	Nodes []string
}

func (e *NodeNotReadyError) Error() string {
	return fmt.Sprintf("following nodes are not in ready state: %s", strings.Join(e.Nodes, ", "))
}

// NodeUnschedulableError lists the nodes marked unschedulable.
type NodeUnschedulableError struct {
	Nodes []string
}

func (e *NodeUnschedulableError) Error() string {
	return fmt.Sprintf("following nodes are in unscheduled state: %s", strings.Join(e.Nodes, ", "))
}

// NodeConditionsError maps each unhealthy node to the condition types that
// deviate from their healthy status.
type NodeConditionsError struct {
	Conditions map[string][]corev1.NodeConditionType
}

func (e *NodeConditionsError) Error() string {
	var parts []string
	for node, conditions := range e.Conditions {
		types := make([]string, 0, len(conditions))
		for _, condition := range conditions {
			types = append(types, string(condition))
		}
		parts = append(parts, fmt.Sprintf("%s: %s", node, strings.Join(types, ",")))
	}
	return fmt.Sprintf("following are nodes with unhealthy conditions: %s", strings.Join(parts, "; "))
}

// PodsNotHealthyError lists pods observed in a failed or pending phase.
type PodsNotHealthyError struct {
	Pods []string
}

func (e *PodsNotHealthyError) Error() string {
	return fmt.Sprintf("the following pods are failed or pending: %s", strings.Join(e.Pods, ", "))
}

// HealthyNodeConditions is the default condition-to-status table nodes are
// verified against.
func HealthyNodeConditions() map[corev1.NodeConditionType]corev1.ConditionStatus {
	return map[corev1.NodeConditionType]corev1.ConditionStatus{
		corev1.NodeReady:              corev1.ConditionTrue,
		corev1.NodeDiskPressure:       corev1.ConditionFalse,
		corev1.NodeMemoryPressure:     corev1.ConditionFalse,
		corev1.NodePIDPressure:        corev1.ConditionFalse,
		corev1.NodeNetworkUnavailable: corev1.ConditionFalse,
	}
}

// VerifyNodesReady fails when any node's Ready condition is not true.
func VerifyNodesReady(ctx context.Context, logger *logrus.Logger, cli k8scontrollerclient.Client) error {
	logger.Info("Verify all nodes are ready")
	nodes, err := listNodes(ctx, cli)
	if err != nil {
		return err
	}

	var notReady []string
	for _, node := range nodes {
		if !nodeConditionIs(node, corev1.NodeReady, corev1.ConditionTrue) {
			notReady = append(notReady, node.Name)
		}
	}
	if len(notReady) > 0 {
		return &NodeNotReadyError{Nodes: notReady}
	}
	return nil
}

// VerifyNodesSchedulable fails when any node is marked unschedulable.
func VerifyNodesSchedulable(ctx context.Context, logger *logrus.Logger, cli k8scontrollerclient.Client) error {
	logger.Info("Verify all nodes are schedulable")
	nodes, err := listNodes(ctx, cli)
	if err != nil {
		return err
	}

	var unschedulable []string
	for _, node := range nodes {
		if node.Spec.Unschedulable {
			unschedulable = append(unschedulable, node.Name)
		}
	}
	if len(unschedulable) > 0 {
		return &NodeUnschedulableError{Nodes: unschedulable}
	}
	return nil
}

// VerifyNodesHealthy fails when any node condition deviates from the given
// healthy table. A nil table means HealthyNodeConditions.
func VerifyNodesHealthy(ctx context.Context, logger *logrus.Logger, cli k8scontrollerclient.Client, healthy map[corev1.NodeConditionType]corev1.ConditionStatus) error {
	logger.Info("Verify all nodes are in a healthy condition")
	if healthy == nil {
		healthy = HealthyNodeConditions()
	}

	nodes, err := listNodes(ctx, cli)
	if err != nil {
		return err
	}

	unhealthy := map[string][]corev1.NodeConditionType{}
	for _, node := range nodes {
		for _, condition := range node.Status.Conditions {
			wanted, checked := healthy[condition.Type]
			if checked && condition.Status != wanted {
				unhealthy[node.Name] = append(unhealthy[node.Name], condition.Type)
			}
		}
	}
	if len(unhealthy) > 0 {
		return &NodeConditionsError{Conditions: unhealthy}
	}
	return nil
}

// VerifyNoFailedOrPendingPods fails when any pod across all namespaces is in
// a failed or pending phase.
func VerifyNoFailedOrPendingPods(ctx context.Context, logger *logrus.Logger, cli k8scontrollerclient.Client) error {
	logger.Info("Verify all pods are not failed nor pending")
	pods := &corev1.PodList{}
	if err := cli.List(ctx, pods); err != nil {
		return err
	}

	var offenders []string
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodPending || pod.Status.Phase == corev1.PodFailed {
			offenders = append(offenders, fmt.Sprintf("%s/%s (%s)", pod.Namespace, pod.Name, pod.Status.Phase))
		}
	}
	if len(offenders) > 0 {
		return &PodsNotHealthyError{Pods: offenders}
	}
	return nil
}

// VerifyClusterSanity runs every check and returns the first failure.
func VerifyClusterSanity(ctx context.Context, logger *logrus.Logger, cli k8scontrollerclient.Client) error {
	if err := VerifyNodesReady(ctx, logger, cli); err != nil {
		return err
	}
	if err := VerifyNodesSchedulable(ctx, logger, cli); err != nil {
		return err
	}
	if err := VerifyNodesHealthy(ctx, logger, cli, nil); err != nil {
		return err
	}
	return VerifyNoFailedOrPendingPods(ctx, logger, cli)
}

func listNodes(ctx context.Context, cli k8scontrollerclient.Client) ([]corev1.Node, error) {
	nodes := &corev1.NodeList{}
	if err := cli.List(ctx, nodes); err != nil {
		return nil, err
	}
	return nodes.Items, nil
}

func nodeConditionIs(node corev1.Node, conditionType corev1.NodeConditionType, status corev1.ConditionStatus) bool {
	for _, condition := range node.Status.Conditions {
		if condition.Type == conditionType {
			return condition.Status == status
		}
	}
	return false
}

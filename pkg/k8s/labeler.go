// Package k8s keeps a pod label pointing at the current primary so a
// Service selecting on it routes writes to the right pod.
package k8s

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/sindef/redis-sentinel/pkg/events"
)

const (
	// MasterLabel is applied to the pod currently serving as primary.
	MasterLabel      = "redis-role"
	MasterLabelValue = "master"
)

// Switch is a primary address change taken from a +switch-master event.
type Switch struct {
	Primary string
	OldHost string
	OldPort string
	NewHost string
	NewPort string
}

// Labeler moves the master label on +switch-master events.
type Labeler struct {
	client        kubernetes.Interface
	namespace     string
	labelSelector string

	switches chan Switch
}

// NewLabeler creates a labeler for pods in namespace matching selector.
func NewLabeler(client kubernetes.Interface, namespace, selector string) *Labeler {
	return &Labeler{
		client:        client,
		namespace:     namespace,
		labelSelector: selector,
		switches:      make(chan Switch, 16),
	}
}

// Emit implements events.Sink. It never blocks the monitor: a switch that
// does not fit in the queue is dropped and logged.
func (l *Labeler) Emit(e events.Event) {
	if e.Type != "+switch-master" {
		return
	}
	sw, err := ParseSwitch(e.Detail)
	if err != nil {
		klog.V(2).InfoS("Ignoring malformed switch event", "detail", e.Detail, "error", err)
		return
	}
	select {
	case l.switches <- sw:
	default:
		klog.InfoS("Label queue full, dropping switch", "primary", sw.Primary)
	}
}

// Run applies queued switches until ctx is cancelled.
func (l *Labeler) Run(ctx context.Context) error {
	klog.InfoS("Starting pod labeler", "namespace", l.namespace, "selector", l.labelSelector)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sw := <-l.switches:
			if err := l.Apply(ctx, sw); err != nil {
				klog.ErrorS(err, "Failed to move master label", "primary", sw.Primary, "host", sw.NewHost)
			}
		}
	}
}

// Apply labels the pod at sw.NewHost as master and strips the label from
// the pod at sw.OldHost. Pods of other primaries sharing the selector keep
// their label.
func (l *Labeler) Apply(ctx context.Context, sw Switch) error {
	pods, err := l.client.CoreV1().Pods(l.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: l.labelSelector,
	})
	if err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}

	found := false
	for i := range pods.Items {
		pod := &pods.Items[i]
		if podMatchesHost(pod, sw.NewHost) {
			found = true
			if err := l.ensureMasterLabel(ctx, pod); err != nil {
				return err
			}
			continue
		}
		if sw.OldHost != "" && podMatchesHost(pod, sw.OldHost) {
			if err := l.removeMasterLabel(ctx, pod); err != nil {
				return err
			}
		}
	}

	if !found {
		klog.InfoS("No pod found for new primary", "primary", sw.Primary, "host", sw.NewHost)
	}
	return nil
}

func (l *Labeler) ensureMasterLabel(ctx context.Context, pod *corev1.Pod) error {
	if pod.Labels == nil {
		pod.Labels = make(map[string]string)
	}

	if pod.Labels[MasterLabel] == MasterLabelValue {
		return nil
	}

	pod.Labels[MasterLabel] = MasterLabelValue

	_, err := l.client.CoreV1().Pods(l.namespace).Update(ctx, pod, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("failed to update pod label: %w", err)
	}

	klog.InfoS("Set master label on pod", "pod", pod.Name)
	return nil
}

func (l *Labeler) removeMasterLabel(ctx context.Context, pod *corev1.Pod) error {
	if pod.Labels == nil || pod.Labels[MasterLabel] == "" {
		return nil
	}

	delete(pod.Labels, MasterLabel)

	_, err := l.client.CoreV1().Pods(l.namespace).Update(ctx, pod, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("failed to update pod label: %w", err)
	}

	klog.InfoS("Removed master label from pod", "pod", pod.Name)
	return nil
}

// podMatchesHost matches a pod by IP, or by name when host is a DNS name
// such as "redis-0.redis-headless.ns.svc".
func podMatchesHost(pod *corev1.Pod, host string) bool {
	if pod.Status.PodIP != "" && pod.Status.PodIP == host {
		return true
	}
	for _, ip := range pod.Status.PodIPs {
		if ip.IP == host {
			return true
		}
	}
	name, _, _ := strings.Cut(host, ".")
	return name == pod.Name
}

// ParseSwitch parses "<name> <old-ip> <old-port> <new-ip> <new-port>".
func ParseSwitch(detail string) (Switch, error) {
	f := strings.Fields(detail)
	if len(f) != 5 {
		return Switch{}, fmt.Errorf("expected 5 fields, got %d", len(f))
	}
	return Switch{Primary: f[0], OldHost: f[1], OldPort: f[2], NewHost: f[3], NewPort: f[4]}, nil
}

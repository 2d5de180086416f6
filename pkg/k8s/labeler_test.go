package k8s

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/sindef/redis-sentinel/pkg/events"
)

func redisPod(name, ip string, labels map[string]string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "redis",
			Labels:    labels,
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			PodIP: ip,
		},
	}
}

func podLabels(t *testing.T, l *Labeler, name string) map[string]string {
	t.Helper()
	pod, err := l.client.CoreV1().Pods("redis").Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	return pod.Labels
}

func TestApplyMovesLabel(t *testing.T) {
	client := fake.NewSimpleClientset(
		redisPod("redis-0", "10.0.0.1", map[string]string{"app": "redis", MasterLabel: MasterLabelValue}),
		redisPod("redis-1", "10.0.0.2", map[string]string{"app": "redis"}),
		redisPod("redis-2", "10.0.0.3", map[string]string{"app": "redis"}),
	)
	l := NewLabeler(client, "redis", "app=redis")

	err := l.Apply(context.Background(), Switch{Primary: "mymaster", OldHost: "10.0.0.1", OldPort: "6379", NewHost: "10.0.0.2", NewPort: "6379"})
	require.NoError(t, err)

	assert.Empty(t, podLabels(t, l, "redis-0")[MasterLabel])
	assert.Equal(t, MasterLabelValue, podLabels(t, l, "redis-1")[MasterLabel])
	assert.Empty(t, podLabels(t, l, "redis-2")[MasterLabel])
}

func TestApplyKeepsOtherPrimaries(t *testing.T) {
	client := fake.NewSimpleClientset(
		redisPod("redis-0", "10.0.0.1", map[string]string{"app": "redis", MasterLabel: MasterLabelValue}),
		redisPod("redis-1", "10.0.0.2", map[string]string{"app": "redis"}),
		redisPod("cache-0", "10.0.1.1", map[string]string{"app": "redis", MasterLabel: MasterLabelValue}),
		redisPod("cache-1", "10.0.1.2", map[string]string{"app": "redis"}),
	)
	l := NewLabeler(client, "redis", "app=redis")

	err := l.Apply(context.Background(), Switch{Primary: "mymaster", OldHost: "10.0.0.1", OldPort: "6379", NewHost: "10.0.0.2", NewPort: "6379"})
	require.NoError(t, err)

	assert.Empty(t, podLabels(t, l, "redis-0")[MasterLabel])
	assert.Equal(t, MasterLabelValue, podLabels(t, l, "redis-1")[MasterLabel])
	assert.Equal(t, MasterLabelValue, podLabels(t, l, "cache-0")[MasterLabel], "primary of cache untouched")
	assert.Empty(t, podLabels(t, l, "cache-1")[MasterLabel])
}

func TestApplyByDNSName(t *testing.T) {
	client := fake.NewSimpleClientset(
		redisPod("redis-0", "10.0.0.1", map[string]string{"app": "redis"}),
		redisPod("redis-1", "10.0.0.2", nil),
	)
	l := NewLabeler(client, "redis", "")

	err := l.Apply(context.Background(), Switch{NewHost: "redis-1.redis-headless.redis.svc"})
	require.NoError(t, err)

	assert.Equal(t, MasterLabelValue, podLabels(t, l, "redis-1")[MasterLabel])
}

func TestParseSwitch(t *testing.T) {
	sw, err := ParseSwitch("mymaster 10.0.0.1 6379 10.0.0.2 6380")
	require.NoError(t, err)
	assert.Equal(t, Switch{Primary: "mymaster", OldHost: "10.0.0.1", OldPort: "6379", NewHost: "10.0.0.2", NewPort: "6380"}, sw)

	_, err = ParseSwitch("mymaster 10.0.0.1 6379")
	assert.Error(t, err)
}

func TestEmitAndRun(t *testing.T) {
	client := fake.NewSimpleClientset(
		redisPod("redis-0", "10.0.0.1", map[string]string{"app": "redis", MasterLabel: MasterLabelValue}),
		redisPod("redis-1", "10.0.0.2", map[string]string{"app": "redis"}),
	)
	l := NewLabeler(client, "redis", "app=redis")

	l.Emit(events.Event{Type: "+sdown", Detail: "ignored"})
	l.Emit(events.Event{Type: "+switch-master", Detail: "bad"})
	l.Emit(events.Event{Type: "+switch-master", Detail: "mymaster 10.0.0.1 6379 10.0.0.2 6379"})
	assert.Len(t, l.switches, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return podLabels(t, l, "redis-1")[MasterLabel] == MasterLabelValue
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.Empty(t, podLabels(t, l, "redis-0")[MasterLabel])
}

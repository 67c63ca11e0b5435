package controller

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/canopy-network/fleetscaler/pkg/scaling"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	corev1 "k8s.io/api/core/v1"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func newTestFleet(t *testing.T, objs ...runtime.Object) (*K8sFleet, *fake.Clientset) {
	cs := fake.NewSimpleClientset(objs...)
	fleet := NewK8sFleet(zaptest.NewLogger(t), cs, K8sFleetConfig{
		Namespace: "jobs",
		Name:      "Render_Workers",
		Image:     "registry.local/render:1.2.0",
		Env:       []corev1.EnvVar{{Name: "TEMPORAL_TASK_QUEUE", Value: "render"}},
	})
	return fleet, cs
}

func workerPod(name string, phase corev1.PodPhase, mutate ...func(*corev1.Pod)) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: meta.ObjectMeta{
			Name:      name,
			Namespace: "jobs",
			Labels:    map[string]string{"app": "render-workers", managedByLabel: managedByValue},
		},
		Status: corev1.PodStatus{Phase: phase},
	}
	for _, m := range mutate {
		m(pod)
	}
	return pod
}

func idle(p *corev1.Pod) {
	p.Annotations = map[string]string{ActivityAnnotation: activityIdle}
}

func notReady(p *corev1.Pod) {
	p.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionFalse}}
}

func waitingFor(reason string) func(*corev1.Pod) {
	return func(p *corev1.Pod) {
		p.Status.ContainerStatuses = []corev1.ContainerStatus{{
			Name:         "worker",
			RestartCount: 7,
			State:        corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: reason}},
		}}
	}
}

func TestK8sFleetStartCreatesLabelledPod(t *testing.T) {
	ctx := context.Background()
	fleet, cs := newTestFleet(t)

	id, err := fleet.Start(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id.String(), "render-workers-"), id)

	pod, err := cs.CoreV1().Pods("jobs").Get(ctx, id.String(), meta.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "render-workers", pod.Labels["app"])
	require.Equal(t, managedByValue, pod.Labels[managedByLabel])
	require.Len(t, pod.Spec.Containers, 1)
	require.Equal(t, "registry.local/render:1.2.0", pod.Spec.Containers[0].Image)
	require.Equal(t, "WORKER_ID", pod.Spec.Containers[0].Env[0].Name)
	require.Equal(t, "metadata.name", pod.Spec.Containers[0].Env[0].ValueFrom.FieldRef.FieldPath)
	require.Equal(t, "TEMPORAL_TASK_QUEUE", pod.Spec.Containers[0].Env[1].Name)
}

func TestK8sFleetStartFailure(t *testing.T) {
	fleet, cs := newTestFleet(t)
	cs.PrependReactor("create", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("exceeded quota")
	})

	id, err := fleet.Start(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, scaling.ErrWorkerNotFound)
	require.Empty(t, id)
}

func TestK8sFleetStop(t *testing.T) {
	ctx := context.Background()
	fleet, cs := newTestFleet(t, workerPod("render-workers-a", corev1.PodRunning, idle))

	require.NoError(t, fleet.Stop(ctx, "render-workers-a"))
	_, err := cs.CoreV1().Pods("jobs").Get(ctx, "render-workers-a", meta.GetOptions{})
	require.Error(t, err)

	require.ErrorIs(t, fleet.Stop(ctx, "render-workers-a"), scaling.ErrWorkerNotFound)
}

func TestK8sFleetStopOperationalFailure(t *testing.T) {
	fleet, cs := newTestFleet(t, workerPod("render-workers-a", corev1.PodRunning))
	cs.PrependReactor("delete", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver timeout")
	})

	err := fleet.Stop(context.Background(), "render-workers-a")
	require.Error(t, err)
	require.NotErrorIs(t, err, scaling.ErrWorkerNotFound)
}

func TestK8sFleetWorkersMapsPodStates(t *testing.T) {
	now := meta.Now()
	stranger := workerPod("other-pod", corev1.PodRunning)
	stranger.Labels = map[string]string{"app": "something-else"}

	fleet, _ := newTestFleet(t,
		workerPod("p-pending", corev1.PodPending),
		workerPod("p-booting", corev1.PodRunning, notReady),
		workerPod("p-busy", corev1.PodRunning),
		workerPod("p-idle", corev1.PodRunning, idle),
		workerPod("p-done", corev1.PodSucceeded),
		workerPod("p-crashed", corev1.PodFailed),
		workerPod("p-unknown", corev1.PodUnknown),
		workerPod("p-leaving", corev1.PodRunning, idle, func(p *corev1.Pod) { p.DeletionTimestamp = &now }),
		workerPod("p-crashlooping", corev1.PodRunning, notReady, waitingFor("CrashLoopBackOff")),
		workerPod("p-bad-image", corev1.PodPending, waitingFor("ImagePullBackOff")),
		workerPod("p-creating", corev1.PodPending, waitingFor("ContainerCreating")),
		stranger,
	)

	workers, err := fleet.Workers(context.Background())
	require.NoError(t, err)
	require.Equal(t, scaling.Workers{
		"p-pending":      scaling.Initializing,
		"p-booting":      scaling.Initializing,
		"p-busy":         scaling.Running,
		"p-idle":         scaling.Idling,
		"p-done":         scaling.Stopping,
		"p-crashed":      scaling.Failed,
		"p-unknown":      scaling.Failed,
		"p-leaving":      scaling.Stopping,
		"p-crashlooping": scaling.Failed,
		"p-bad-image":    scaling.Failed,
		"p-creating":     scaling.Initializing,
	}, workers)
}

func TestK8sFleetDrivesExecutor(t *testing.T) {
	ctx := context.Background()
	fleet, _ := newTestFleet(t,
		workerPod("p-1", corev1.PodRunning, idle),
		workerPod("p-2", corev1.PodRunning, idle),
		workerPod("p-3", corev1.PodRunning),
	)
	provider := &SnapshotProvider{
		Workload: StaticWorkload{Value: scaling.Workload{WaitingRequests: 0, AverageJobDuration: 10 * time.Second}},
		Fleet:    fleet,
		Logger:   zaptest.NewLogger(t),
	}

	res := scaling.NewExecutor(provider, fleet, scaling.WithLogger(zaptest.NewLogger(t))).Run(ctx)
	require.Equal(t, []scaling.WorkerID{"p-1", "p-2"}, res.WorkersStopped)

	workers, err := fleet.Workers(ctx)
	require.NoError(t, err)
	require.Equal(t, scaling.Workers{"p-3": scaling.Running}, workers)
}

func TestWorkerPoolName(t *testing.T) {
	require.Equal(t, "render-workers", workerPoolName("Render_Workers"))
	require.Equal(t, "worker", workerPoolName("***"))
	require.LessOrEqual(t, len(workerPoolName(strings.Repeat("a", 80))), 50)
}

func TestResourcesFromEnv(t *testing.T) {
	res, err := resourcesFromEnv()
	require.NoError(t, err)
	require.Nil(t, res)

	t.Setenv("WORKER_CPU", "500m")
	t.Setenv("WORKER_MEM", "256Mi")
	res, err = resourcesFromEnv()
	require.NoError(t, err)
	require.Equal(t, "500m", res.Requests.Cpu().String())
	require.Equal(t, "256Mi", res.Limits.Memory().String())

	t.Setenv("WORKER_CPU", "lots")
	_, err = resourcesFromEnv()
	require.Error(t, err)
}

func TestK8sFleetCrashLoopingWorkersDoNotHoldCapacity(t *testing.T) {
	fleet, _ := newTestFleet(t,
		workerPod("p-crash1", corev1.PodRunning, notReady, waitingFor("CrashLoopBackOff")),
		workerPod("p-crash2", corev1.PodRunning, notReady, waitingFor("CrashLoopBackOff")),
	)

	workers, err := fleet.Workers(context.Background())
	require.NoError(t, err)
	require.Zero(t, scaling.ActiveWorkers(workers))

	action, err := scaling.Resolve(scaling.Workload{WaitingRequests: 4, AverageJobDuration: 30 * time.Second}, workers)
	require.NoError(t, err)
	require.Equal(t, scaling.ScaleUp{WorkersToAdd: 2}, action)
}

package controller

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/canopy-network/fleetscaler/pkg/scaling"
	"github.com/canopy-network/fleetscaler/pkg/utils"
	"go.uber.org/zap"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// ActivityAnnotation is set by the worker itself to "idle" or "busy".
	ActivityAnnotation = "fleetscaler/activity"
	activityIdle       = "idle"
	managedByLabel     = "managed-by"
	managedByValue     = "fleetscaler"
)

// K8sFleetConfig describes the worker pods a K8sFleet manages.
type K8sFleetConfig struct {
	Namespace string
	Name      string // worker pool name, used for labels and pod name prefix
	Image     string
	Env       []corev1.EnvVar
	Resources *corev1.ResourceRequirements
}

// K8sFleet runs one Pod per worker.
type K8sFleet struct {
	Logger    *zap.Logger
	client    kubernetes.Interface
	ns        string
	name      string
	image     string
	env       []corev1.EnvVar
	resReq    *corev1.ResourceRequirements
	podLabels map[string]string
}

var _ Fleet = (*K8sFleet)(nil)

// NewK8sFleet creates a fleet over an existing clientset.
func NewK8sFleet(logger *zap.Logger, client kubernetes.Interface, cfg K8sFleetConfig) *K8sFleet {
	name := workerPoolName(cfg.Name)
	return &K8sFleet{
		Logger: logger.With(zap.String("component", "k8s_fleet")),
		client: client,
		ns:     cfg.Namespace,
		name:   name,
		image:  cfg.Image,
		env:    cfg.Env,
		resReq: cfg.Resources,
		podLabels: map[string]string{
			"app":          name,
			managedByLabel: managedByValue,
		},
	}
}

// NewK8sFleetFromEnv creates a K8sFleet using the in-cluster config or the current kubeconfig context.
func NewK8sFleetFromEnv(logger *zap.Logger) (*K8sFleet, error) {
	log := logger.With(zap.String("component", "k8s_fleet"))

	var (
		cfg *rest.Config
		err error
		src string
	)

	if cfg, err = rest.InClusterConfig(); err == nil {
		src = "in_cluster"
	} else {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			log.Error("kube config build failed", zap.Error(err))
			return nil, fmt.Errorf("build kube config: %w", err)
		}
		src = "kubeconfig"
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		log.Error("k8s client init failed", zap.Error(err))
		return nil, fmt.Errorf("k8s client: %w", err)
	}

	ns := utils.Env("K8S_NAMESPACE", "")
	image := utils.Env("WORKER_IMAGE", "")
	if ns == "" || image == "" {
		return nil, fmt.Errorf("K8S_NAMESPACE and WORKER_IMAGE are required for the k8s fleet")
	}
	if tag := utils.Env("WORKER_TAG", ""); tag != "" {
		image = fmt.Sprintf("%s:%s", image, tag)
	}

	res, err := resourcesFromEnv()
	if err != nil {
		return nil, err
	}

	fleet := NewK8sFleet(logger, cs, K8sFleetConfig{
		Namespace: ns,
		Name:      utils.Env("WORKER_NAME", "worker"),
		Image:     image,
		Env:       workerEnvFromEnv(),
		Resources: res,
	})

	log.Info("fleet initialized",
		zap.String("config_source", src),
		zap.String("namespace", ns),
		zap.String("pool", fleet.name),
		zap.String("image", image),
		zap.Bool("resources_configured", res != nil),
	)
	return fleet, nil
}

// Start creates a worker pod and returns its name as the worker id.
func (k *K8sFleet) Start(ctx context.Context) (scaling.WorkerID, error) {
	start := time.Now()
	pod := k.desiredPod(fmt.Sprintf("%s-%s", k.name, utilrand.String(8)))

	created, err := k.client.CoreV1().Pods(k.ns).Create(ctx, pod, meta.CreateOptions{})
	if err != nil {
		k.Logger.Error("pod create failed", zap.String("pod", pod.Name), zap.Error(err))
		return "", fmt.Errorf("create pod: %w", err)
	}
	k.Logger.Info("pod created",
		zap.String("pod", created.Name),
		zap.Duration("elapsed", time.Since(start)),
	)
	return scaling.WorkerID(created.Name), nil
}

// Stop deletes the worker pod. A pod that no longer exists yields ErrWorkerNotFound.
func (k *K8sFleet) Stop(ctx context.Context, id scaling.WorkerID) error {
	err := k.client.CoreV1().Pods(k.ns).Delete(ctx, id.String(), meta.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		k.Logger.Debug("pod not found on delete", zap.String("pod", id.String()))
		return fmt.Errorf("pod %s: %w", id, scaling.ErrWorkerNotFound)
	}
	if err != nil {
		k.Logger.Error("pod delete failed", zap.String("pod", id.String()), zap.Error(err))
		return fmt.Errorf("delete pod: %w", err)
	}
	k.Logger.Info("pod delete issued", zap.String("pod", id.String()))
	return nil
}

// Workers lists the pool's pods and maps them to worker states.
func (k *K8sFleet) Workers(ctx context.Context) (scaling.Workers, error) {
	pods, err := k.client.CoreV1().Pods(k.ns).List(ctx, meta.ListOptions{
		LabelSelector: labels.SelectorFromSet(k.podLabels).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	workers := make(scaling.Workers, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		state := podState(pod)
		if reason, stuck := containerStuck(pod); stuck && state == scaling.Failed {
			k.Logger.Debug("worker pod stuck", zap.String("pod", pod.Name), zap.String("reason", reason))
		}
		workers[scaling.WorkerID(pod.Name)] = state
	}
	return workers, nil
}

// Close releases resources or performs cleanup tasks associated with the K8sFleet instance.
func (k *K8sFleet) Close() error {
	k.Logger.Info("fleet closed")
	return nil
}

func (k *K8sFleet) desiredPod(name string) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(k.env)+1)
	env = append(env, corev1.EnvVar{
		Name: "WORKER_ID",
		ValueFrom: &corev1.EnvVarSource{
			FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"},
		},
	})
	env = append(env, k.env...)

	var res corev1.ResourceRequirements
	if k.resReq != nil {
		res = *k.resReq
	}

	podLabels := make(map[string]string, len(k.podLabels))
	for key, v := range k.podLabels {
		podLabels[key] = v
	}

	return &corev1.Pod{
		ObjectMeta: meta.ObjectMeta{
			Name:      name,
			Namespace: k.ns,
			Labels:    podLabels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{{
				Name:      "worker",
				Image:     k.image,
				Env:       env,
				Resources: res,
			}},
		},
	}
}

// podState maps a pod to a worker state:
// terminating or succeeded -> STOPPING, a container stuck in a back-off -> FAILED,
// pending or running-but-not-ready -> INITIALIZING, running and annotated idle -> IDLING,
// running -> RUNNING, anything else -> FAILED.
func podState(pod *corev1.Pod) scaling.WorkerState {
	if pod.DeletionTimestamp != nil {
		return scaling.Stopping
	}
	// with RestartPolicyAlways a crashing worker never leaves the Running phase
	if _, stuck := containerStuck(pod); stuck {
		return scaling.Failed
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		return scaling.Initializing
	case corev1.PodRunning:
		if !podReady(pod) {
			return scaling.Initializing
		}
		if pod.Annotations[ActivityAnnotation] == activityIdle {
			return scaling.Idling
		}
		return scaling.Running
	case corev1.PodSucceeded:
		return scaling.Stopping
	default:
		return scaling.Failed
	}
}

// stuckWaitingReasons are container waiting reasons that will not resolve without intervention.
var stuckWaitingReasons = map[string]struct{}{
	"CrashLoopBackOff":           {},
	"ImagePullBackOff":           {},
	"ErrImagePull":               {},
	"InvalidImageName":           {},
	"CreateContainerConfigError": {},
}

// containerStuck reports the first init or app container waiting for one of stuckWaitingReasons.
func containerStuck(pod *corev1.Pod) (string, bool) {
	for _, statuses := range [][]corev1.ContainerStatus{pod.Status.InitContainerStatuses, pod.Status.ContainerStatuses} {
		for _, cs := range statuses {
			if cs.State.Waiting == nil {
				continue
			}
			if _, ok := stuckWaitingReasons[cs.State.Waiting.Reason]; ok {
				return cs.State.Waiting.Reason, true
			}
		}
	}
	return "", false
}

func podReady(pod *corev1.Pod) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	// no readiness reported yet: trust the phase
	return true
}

// ---- utils ------------------------------------------------------------------

var dns1123 = regexp.MustCompile(`[^a-z0-9\-]+`)

// workerPoolName generates a DNS-compliant pool name, short enough to leave room for the pod suffix.
func workerPoolName(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, ".", "-")
	s = dns1123.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) == 0 {
		s = "worker"
	}
	if len(s) > 50 {
		s = strings.TrimRight(s[:50], "-")
	}
	return s
}

// workerEnvFromEnv forwards the connection settings workers need to reach the job queue.
func workerEnvFromEnv() []corev1.EnvVar {
	var env []corev1.EnvVar
	for _, key := range []string{
		"TEMPORAL_HOSTPORT",
		"TEMPORAL_NAMESPACE",
		"TEMPORAL_TASK_QUEUE",
		"REDIS_HOST",
		"REDIS_PORT",
		"REDIS_QUEUE_KEY",
		"LOG_LEVEL",
	} {
		if v := os.Getenv(key); v != "" {
			env = append(env, corev1.EnvVar{Name: key, Value: v})
		}
	}
	return env
}

// resourcesFromEnv reads optional WORKER_CPU / WORKER_MEM into requests and limits.
func resourcesFromEnv() (*corev1.ResourceRequirements, error) {
	cpu := os.Getenv("WORKER_CPU")
	mem := os.Getenv("WORKER_MEM")
	if cpu == "" && mem == "" {
		return nil, nil
	}
	req := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	if cpu != "" {
		q, err := resource.ParseQuantity(cpu)
		if err != nil {
			return nil, fmt.Errorf("WORKER_CPU: %w", err)
		}
		req.Requests[corev1.ResourceCPU] = q
		req.Limits[corev1.ResourceCPU] = q
	}
	if mem != "" {
		q, err := resource.ParseQuantity(mem)
		if err != nil {
			return nil, fmt.Errorf("WORKER_MEM: %w", err)
		}
		req.Requests[corev1.ResourceMemory] = q
		req.Limits[corev1.ResourceMemory] = q
	}
	return &req, nil
}

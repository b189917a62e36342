package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
)

var _ Client = (*K8sClient)(nil)

// K8sClient implements Client against a real Kubernetes API server via
// client-go, following the teacher's Runtime (internal/kubernetes/runtime.go):
// in-cluster or kubeconfig-bytes auth, label-selector pod lookup, and
// bounded polling for readiness.
type K8sClient struct {
	config        *Config
	clientset     kubernetes.Interface
	metricsClient metricsclientset.Interface
}

// NewK8sClient builds a client from Config, selecting in-cluster auth when
// Kubeconfig is empty.
func NewK8sClient(config *Config) (*K8sClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	restConfig, err := buildRestConfig(config)
	if err != nil {
		return nil, fmt.Errorf("building REST config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	metricsClient, err := metricsclientset.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating metrics client: %w", err)
	}

	return &K8sClient{config: config, clientset: clientset, metricsClient: metricsClient}, nil
}

func buildRestConfig(config *Config) (*rest.Config, error) {
	if config.Kubeconfig == "" {
		restConfig, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("getting in-cluster config: %w", err)
		}
		return restConfig, nil
	}

	clientConfig, err := clientcmd.NewClientConfigFromBytes([]byte(config.Kubeconfig))
	if err != nil {
		return nil, fmt.Errorf("parsing kubeconfig: %w", err)
	}

	if config.Context != "" {
		rawConfig, err := clientConfig.RawConfig()
		if err != nil {
			return nil, fmt.Errorf("reading raw kubeconfig: %w", err)
		}
		rawConfig.CurrentContext = config.Context
		clientConfig = clientcmd.NewDefaultClientConfig(rawConfig, &clientcmd.ConfigOverrides{})
	}

	restConfig, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, err
	}
	restConfig.TLSClientConfig.Insecure = config.SkipTLSVerify
	return restConfig, nil
}

// Labels every managed resource carries, mirroring spec §6: {app, instance, managed}.
const (
	LabelManaged  = "controlplane.io/managed"
	LabelInstance = "controlplane.io/instance"
	LabelApp      = "controlplane.io/app"
)

func (c *K8sClient) Apply(ctx context.Context, m Manifest) (ApplyResult, error) {
	switch m.Kind {
	case KindNamespace:
		return c.applyNamespace(ctx, m)
	case KindConfigMap:
		return c.applyConfigMap(ctx, m)
	case KindStorageClaim:
		return c.applyStorageClaim(ctx, m)
	case KindWorkload:
		return c.applyWorkload(ctx, m)
	case KindInternalService:
		return c.applyService(ctx, m)
	case KindIngress:
		return c.applyIngress(ctx, m)
	default:
		return ApplyResult{}, fmt.Errorf("orchestrator: unknown manifest kind %q", m.Kind)
	}
}

func (c *K8sClient) applyNamespace(ctx context.Context, m Manifest) (ApplyResult, error) {
	_, err := c.clientset.CoreV1().Namespaces().Get(ctx, m.Name, metav1.GetOptions{})
	if err == nil {
		return ApplyResult{Action: ActionExisting}, nil
	}
	if !k8serrors.IsNotFound(err) {
		return ApplyResult{}, fmt.Errorf("getting namespace %s: %w", m.Name, err)
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: m.Name, Labels: withManagedLabel(m.Labels)},
	}
	if _, err := c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		if k8serrors.IsAlreadyExists(err) {
			return ApplyResult{Action: ActionExisting}, nil
		}
		return ApplyResult{}, fmt.Errorf("creating namespace %s: %w", m.Name, err)
	}
	return ApplyResult{Action: ActionCreated}, nil
}

func (c *K8sClient) applyConfigMap(ctx context.Context, m Manifest) (ApplyResult, error) {
	api := c.clientset.CoreV1().ConfigMaps(m.Namespace)
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: m.Name, Namespace: m.Namespace, Labels: withManagedLabel(m.Labels)},
		Data:       m.Data,
	}

	existing, err := api.Get(ctx, m.Name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		if _, err := api.Create(ctx, cm, metav1.CreateOptions{}); err != nil {
			return ApplyResult{}, fmt.Errorf("creating configmap %s: %w", m.Name, err)
		}
		return ApplyResult{Action: ActionCreated}, nil
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("getting configmap %s: %w", m.Name, err)
	}

	cm.ResourceVersion = existing.ResourceVersion
	if _, err := api.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return ApplyResult{}, fmt.Errorf("updating configmap %s: %w", m.Name, err)
	}
	return ApplyResult{Action: ActionUpdated}, nil
}

func (c *K8sClient) applyStorageClaim(ctx context.Context, m Manifest) (ApplyResult, error) {
	api := c.clientset.CoreV1().PersistentVolumeClaims(m.Namespace)
	_, err := api.Get(ctx, m.Name, metav1.GetOptions{})
	if err == nil {
		return ApplyResult{Action: ActionExisting}, nil
	}
	if !k8serrors.IsNotFound(err) {
		return ApplyResult{}, fmt.Errorf("getting pvc %s: %w", m.Name, err)
	}

	quantity := resource.MustParse(fmt.Sprintf("%dGi", m.StorageGB))
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: m.Name, Namespace: m.Namespace, Labels: withManagedLabel(m.Labels)},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: quantity},
			},
		},
	}
	if c.config.StorageClassName != "" {
		pvc.Spec.StorageClassName = &c.config.StorageClassName
	}

	if _, err := api.Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		if k8serrors.IsAlreadyExists(err) {
			return ApplyResult{Action: ActionExisting}, nil
		}
		return ApplyResult{}, fmt.Errorf("creating pvc %s: %w", m.Name, err)
	}
	return ApplyResult{Action: ActionCreated}, nil
}

func (c *K8sClient) applyWorkload(ctx context.Context, m Manifest) (ApplyResult, error) {
	api := c.clientset.AppsV1().Deployments(m.Namespace)
	deployment := buildDeployment(m)

	existing, err := api.Get(ctx, m.Name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		if _, err := api.Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
			return ApplyResult{}, fmt.Errorf("creating deployment %s: %w", m.Name, err)
		}
		return ApplyResult{Action: ActionCreated}, nil
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("getting deployment %s: %w", m.Name, err)
	}

	deployment.ResourceVersion = existing.ResourceVersion
	if _, err := api.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return ApplyResult{}, fmt.Errorf("updating deployment %s: %w", m.Name, err)
	}
	return ApplyResult{Action: ActionUpdated}, nil
}

func buildDeployment(m Manifest) *appsv1.Deployment {
	replicas := m.Replicas
	selector := m.Selector
	if selector == nil {
		selector = map[string]string{LabelInstance: m.Labels[LabelInstance]}
	}

	var envVars []corev1.EnvVar
	for k, v := range m.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(m.CPURequestMilli), resource.DecimalSI),
			corev1.ResourceMemory: *resource.NewQuantity(int64(m.MemoryRequestMB)*1024*1024, resource.BinarySI),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(m.CPURequestMilli), resource.DecimalSI),
			corev1.ResourceMemory: *resource.NewQuantity(int64(m.MemoryRequestMB)*1024*1024, resource.BinarySI),
		},
	}

	container := corev1.Container{
		Name:      "app",
		Image:     m.Image,
		Env:       envVars,
		Resources: resources,
		Ports:     []corev1.ContainerPort{{ContainerPort: m.ContainerPort}},
		LivenessProbe: &corev1.Probe{
			ProbeHandler:        corev1.ProbeHandler{TCPSocket: &corev1.TCPSocketAction{Port: intOrString(m.ContainerPort)}},
			InitialDelaySeconds: 15,
			PeriodSeconds:       20,
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler:        corev1.ProbeHandler{TCPSocket: &corev1.TCPSocketAction{Port: intOrString(m.ContainerPort)}},
			InitialDelaySeconds: 5,
			PeriodSeconds:       10,
		},
	}

	var volumes []corev1.Volume
	if m.VolumeClaimName != "" {
		container.VolumeMounts = []corev1.VolumeMount{{Name: "data", MountPath: m.VolumeMountPath}}
		volumes = []corev1.Volume{{
			Name:         "data",
			VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: m.VolumeClaimName}},
		}}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: m.Name, Namespace: m.Namespace, Labels: withManagedLabel(m.Labels)},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: withManagedLabel(selector)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
					Volumes:    volumes,
				},
			},
		},
	}
}

func (c *K8sClient) applyService(ctx context.Context, m Manifest) (ApplyResult, error) {
	api := c.clientset.CoreV1().Services(m.Namespace)
	selector := m.Selector
	if selector == nil {
		selector = map[string]string{LabelInstance: m.Labels[LabelInstance]}
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: m.Name, Namespace: m.Namespace, Labels: withManagedLabel(m.Labels)},
		Spec: corev1.ServiceSpec{
			Selector: selector,
			Ports: []corev1.ServicePort{{
				Port:       m.ServicePort,
				TargetPort: intOrString(m.ContainerPort),
			}},
		},
	}

	existing, err := api.Get(ctx, m.Name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		if _, err := api.Create(ctx, svc, metav1.CreateOptions{}); err != nil {
			return ApplyResult{}, fmt.Errorf("creating service %s: %w", m.Name, err)
		}
		return ApplyResult{Action: ActionCreated}, nil
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("getting service %s: %w", m.Name, err)
	}

	svc.ResourceVersion = existing.ResourceVersion
	svc.Spec.ClusterIP = existing.Spec.ClusterIP
	if _, err := api.Update(ctx, svc, metav1.UpdateOptions{}); err != nil {
		return ApplyResult{}, fmt.Errorf("updating service %s: %w", m.Name, err)
	}
	return ApplyResult{Action: ActionUpdated}, nil
}

func (c *K8sClient) applyIngress(ctx context.Context, m Manifest) (ApplyResult, error) {
	api := c.clientset.NetworkingV1().Ingresses(m.Namespace)
	pathType := networkingv1.PathTypePrefix

	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.Name,
			Namespace: m.Namespace,
			Labels:    withManagedLabel(m.Labels),
			Annotations: map[string]string{
				"nginx.ingress.kubernetes.io/ssl-redirect": fmt.Sprintf("%t", m.SSLEnabled),
			},
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				Host: m.Host,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     m.Path,
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: m.ServiceRef,
									Port: networkingv1.ServiceBackendPort{Number: m.ServicePort},
								},
							},
						}},
					},
				},
			}},
		},
	}
	if m.SSLEnabled && m.TLSSecret != "" {
		ingress.Spec.TLS = []networkingv1.IngressTLS{{Hosts: []string{m.Host}, SecretName: m.TLSSecret}}
	}

	existing, err := api.Get(ctx, m.Name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		if _, err := api.Create(ctx, ingress, metav1.CreateOptions{}); err != nil {
			return ApplyResult{}, fmt.Errorf("creating ingress %s: %w", m.Name, err)
		}
		return ApplyResult{Action: ActionCreated}, nil
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("getting ingress %s: %w", m.Name, err)
	}

	ingress.ResourceVersion = existing.ResourceVersion
	if _, err := api.Update(ctx, ingress, metav1.UpdateOptions{}); err != nil {
		return ApplyResult{}, fmt.Errorf("updating ingress %s: %w", m.Name, err)
	}
	return ApplyResult{Action: ActionUpdated}, nil
}

func (c *K8sClient) Delete(ctx context.Context, kind Kind, name, namespace string) error {
	var err error
	switch kind {
	case KindNamespace:
		err = c.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	case KindConfigMap:
		err = c.clientset.CoreV1().ConfigMaps(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case KindStorageClaim:
		err = c.clientset.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case KindWorkload:
		err = c.clientset.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case KindInternalService:
		err = c.clientset.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case KindIngress:
		err = c.clientset.NetworkingV1().Ingresses(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	default:
		return fmt.Errorf("orchestrator: unknown manifest kind %q", kind)
	}

	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("deleting %s %s/%s: %w", kind, namespace, name, err)
	}
	return nil
}

// WaitReady polls every 5s for an Available=True deployment condition,
// per spec §4.4.
func (c *K8sClient) WaitReady(ctx context.Context, workloadName, namespace string, timeout time.Duration) (ReadyCondition, error) {
	deadline := time.Now().Add(timeout)
	interval := 5 * time.Second

	for {
		deployment, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, workloadName, metav1.GetOptions{})
		if err != nil {
			return ReadyCondition{}, fmt.Errorf("getting deployment %s/%s: %w", namespace, workloadName, err)
		}

		for _, cond := range deployment.Status.Conditions {
			if cond.Type == appsv1.DeploymentAvailable && cond.Status == corev1.ConditionTrue {
				return ReadyCondition{Ready: true}, nil
			}
		}

		if time.Now().After(deadline) {
			return ReadyCondition{Ready: false, Message: "timed out waiting for Available=True"}, nil
		}

		select {
		case <-ctx.Done():
			return ReadyCondition{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *K8sClient) ListPodsFor(ctx context.Context, workloadName, namespace string) ([]PodInfo, error) {
	deployment, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, workloadName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting deployment %s/%s: %w", namespace, workloadName, err)
	}

	selector := labels.SelectorFromSet(deployment.Spec.Selector.MatchLabels)
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, fmt.Errorf("listing pods for %s/%s: %w", namespace, workloadName, err)
	}

	out := make([]PodInfo, 0, len(pods.Items))
	for _, pod := range pods.Items {
		out = append(out, PodInfo{
			Name:              pod.Name,
			Phase:             string(pod.Status.Phase),
			IP:                pod.Status.PodIP,
			CreationTimestamp: pod.CreationTimestamp.Time,
		})
	}
	return out, nil
}

// StreamLogs follows a pod's container log, writing each line to sink
// until the stream ends or ctx is cancelled.
func (c *K8sClient) StreamLogs(ctx context.Context, namespace, pod, container string, sink chan<- LogChunk) error {
	req := c.clientset.CoreV1().Pods(namespace).GetLogs(pod, &corev1.PodLogOptions{
		Container: container,
		Follow:    true,
	})

	stream, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("opening log stream for %s/%s: %w", namespace, pod, err)
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sink <- LogChunk{Line: scanner.Text()}:
		}
	}
	if err := scanner.Err(); err != nil {
		sink <- LogChunk{Err: err}
		return err
	}
	return nil
}

// PodMetrics sums CPU/memory usage across a workload's pods from the
// metrics-server aggregation API. A pod metrics-server hasn't scraped yet
// (IsNotFound) is skipped rather than treated as an error, since fresh
// pods lag the scrape interval.
func (c *K8sClient) PodMetrics(ctx context.Context, workloadName, namespace string) (UsageSample, error) {
	deployment, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, workloadName, metav1.GetOptions{})
	if err != nil {
		return UsageSample{}, fmt.Errorf("getting deployment %s/%s: %w", namespace, workloadName, err)
	}

	selector := labels.SelectorFromSet(deployment.Spec.Selector.MatchLabels)
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return UsageSample{}, fmt.Errorf("listing pods for %s/%s: %w", namespace, workloadName, err)
	}

	var sample UsageSample
	for _, pod := range pods.Items {
		m, err := c.metricsClient.MetricsV1beta1().PodMetricses(namespace).Get(ctx, pod.Name, metav1.GetOptions{})
		if k8serrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return UsageSample{}, fmt.Errorf("getting pod metrics for %s/%s: %w", namespace, pod.Name, err)
		}
		for _, container := range m.Containers {
			if cpu := container.Usage.Cpu(); cpu != nil {
				sample.CPUMilli += int(cpu.MilliValue())
			}
			if mem := container.Usage.Memory(); mem != nil {
				sample.MemoryMB += int(mem.Value() / (1024 * 1024))
			}
		}
	}
	return sample, nil
}

func (c *K8sClient) ScaleWorkload(ctx context.Context, workloadName, namespace string, replicas int32) error {
	api := c.clientset.AppsV1().Deployments(namespace)
	deployment, err := api.Get(ctx, workloadName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("getting deployment %s/%s: %w", namespace, workloadName, err)
	}

	deployment.Spec.Replicas = &replicas
	if _, err := api.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("scaling deployment %s/%s to %d: %w", namespace, workloadName, replicas, err)
	}
	return nil
}

// RestartWorkload bumps a pod-template annotation to force a rolling
// restart, the same trick the teacher's RestartBot uses instead of
// deleting pods directly.
func (c *K8sClient) RestartWorkload(ctx context.Context, workloadName, namespace string) error {
	api := c.clientset.AppsV1().Deployments(namespace)
	deployment, err := api.Get(ctx, workloadName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("getting deployment %s/%s: %w", namespace, workloadName, err)
	}

	if deployment.Spec.Template.ObjectMeta.Annotations == nil {
		deployment.Spec.Template.ObjectMeta.Annotations = map[string]string{}
	}
	deployment.Spec.Template.ObjectMeta.Annotations["controlplane.io/restartedAt"] = time.Now().UTC().Format(time.RFC3339)

	if _, err := api.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("restarting deployment %s/%s: %w", namespace, workloadName, err)
	}
	return nil
}

func withManagedLabel(l map[string]string) map[string]string {
	out := map[string]string{LabelManaged: "true"}
	for k, v := range l {
		out[k] = v
	}
	return out
}

func intOrString(port int32) intstr.IntOrString {
	return intstr.FromInt32(port)
}

// HealthCheck reports whether the cluster API is reachable by requesting
// its server version. cmd/server does not call it.
func (c *K8sClient) HealthCheck(ctx context.Context) error {
	_, err := c.clientset.Discovery().ServerVersion()
	if err != nil {
		return fmt.Errorf("orchestrator health check: %w", err)
	}
	return nil
}

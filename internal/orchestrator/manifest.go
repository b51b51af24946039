package orchestrator

import (
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/cuemby/platformcore/internal/labels"
	"github.com/cuemby/platformcore/internal/queue"
	"github.com/cuemby/platformcore/internal/utils"
)

func metaObject(name, namespace string, objLabels map[string]string) metav1.ObjectMeta {
	m := metav1.ObjectMeta{Name: name, Labels: objLabels}
	if namespace != "" {
		m.Namespace = namespace
	}
	return m
}

// quantityOrZero parses a resource quantity string, falling back to the
// zero quantity on empty or invalid input (teacher's ResourceQuantity idiom).
func quantityOrZero(s string) resource.Quantity {
	if s == "" {
		return resource.Quantity{}
	}
	return utils.ResourceQuantity(s)
}

// defaultImages pins the platform-chosen images for the managed database
// and cache engines (spec §4.4 "fixed platform-chosen image and tag").
var defaultImages = map[string]string{
	labels.TypeMySQL:    "mysql:8.0",
	labels.TypePostgres: "postgres:16",
	labels.TypeMemory:   "redis:7",
}

func isEngine(serviceType string) bool {
	return serviceType == labels.TypeMySQL || serviceType == labels.TypePostgres || serviceType == labels.TypeMemory
}

// BuildDeployment constructs the desired Deployment manifest for a service
// per spec.md's per-type rules (§4.4). Callers diff it against any existing
// deployment via CreateOrUpdate.
func BuildDeployment(namespace string, spec queue.DeployServicePayload) *appsv1.Deployment {
	name := labels.DeploymentName(spec.ServiceID)
	objLabels := labels.Base(spec.OrganizationID, spec.ProjectID, spec.ServiceID, spec.ServiceType)

	replicas := spec.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	strategy := appsv1.DeploymentStrategy{Type: appsv1.RollingUpdateDeploymentStrategyType}

	hasStorage := spec.DiskSize != ""
	if hasStorage || (spec.ServiceType == labels.TypePrivate && hasStorage) {
		// Storage forces single-writer semantics regardless of requested scaling.
		replicas = 1
		strategy = appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType}
	}
	if isEngine(spec.ServiceType) {
		strategy = appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType}
	}

	image := spec.Image
	if isEngine(spec.ServiceType) {
		image = defaultImages[spec.ServiceType]
	}

	containerPort := int32(3000)
	if spec.ServiceType == labels.TypeMySQL {
		containerPort = 3306
	} else if spec.ServiceType == labels.TypePostgres {
		containerPort = 5432
	} else if spec.ServiceType == labels.TypeMemory {
		containerPort = 6379
	}

	container := corev1.Container{
		Name:  spec.ServiceID,
		Image: image,
		Ports: []corev1.ContainerPort{{ContainerPort: containerPort}},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    quantityOrZero(spec.CPURequest),
				corev1.ResourceMemory: quantityOrZero(spec.MemoryRequest),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    quantityOrZero(spec.CPULimit),
				corev1.ResourceMemory: quantityOrZero(spec.MemoryLimit),
			},
		},
		EnvFrom: []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: labels.EnvSecretName(spec.ServiceID)}},
		}},
	}

	if !isEngine(spec.ServiceType) {
		container.LivenessProbe = httpProbe(containerPort, "/healthz")
		container.ReadinessProbe = httpProbe(containerPort, "/healthz")
	} else {
		container.LivenessProbe = enginePingProbe(spec.ServiceType)
		container.ReadinessProbe = enginePingProbe(spec.ServiceType)
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      "engine-config",
			MountPath: engineConfDir(spec.ServiceType),
		})
	}

	var volumes []corev1.Volume
	var initContainers []corev1.Container
	if isEngine(spec.ServiceType) {
		volumes = append(volumes, corev1.Volume{
			Name: "engine-config",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: labels.ConfigMapName(spec.ServiceID, spec.ServiceType)},
				},
			},
		})
	}
	if hasStorage && isEngine(spec.ServiceType) {
		// First attachment of a block device gets a resize2fs pass so growing
		// the claim later takes effect without manual intervention.
		initContainers = append(initContainers, corev1.Container{
			Name:  "resize-volume",
			Image: "busybox:1.36",
			Command: []string{"sh", "-c", "resize2fs $(cat /proc/mounts | awk '$2==\"/data\"{print $1}') || true"},
			SecurityContext: &corev1.SecurityContext{
				Privileged: utils.BoolPtr(true),
			},
			VolumeMounts: []corev1.VolumeMount{{Name: "data", MountPath: "/data"}},
		})
	}
	if hasStorage {
		volumes = append(volumes, corev1.Volume{
			Name: "data",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: labels.ClaimName(spec.ServiceID)},
			},
		})
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{Name: "data", MountPath: "/data"})
	}

	var imagePullSecrets []corev1.LocalObjectReference
	if spec.PullSecret != nil {
		imagePullSecrets = append(imagePullSecrets, corev1.LocalObjectReference{Name: labels.PullSecretName(spec.ServiceID)})
	}

	return &appsv1.Deployment{
		ObjectMeta: metaObject(name, namespace, objLabels),
		Spec: appsv1.DeploymentSpec{
			Replicas: utils.Int32Ptr(replicas),
			Strategy: strategy,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{labels.Service: spec.ServiceID}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: objLabels},
				Spec: corev1.PodSpec{
					InitContainers:   initContainers,
					Containers:       []corev1.Container{container},
					Volumes:          volumes,
					ImagePullSecrets: imagePullSecrets,
				},
			},
		},
	}
}

func httpProbe(port int32, path string) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{Path: path, Port: intstr.FromInt32(port)},
		},
		InitialDelaySeconds: 5,
		PeriodSeconds:       10,
	}
}

func enginePingProbe(serviceType string) *corev1.Probe {
	var cmd []string
	switch serviceType {
	case labels.TypeMySQL:
		cmd = []string{"sh", "-c", "mysqladmin ping -h 127.0.0.1 -u$MYSQL_USER -p$MYSQL_PASSWORD"}
	case labels.TypePostgres:
		cmd = []string{"sh", "-c", "pg_isready -U $POSTGRES_USER"}
	case labels.TypeMemory:
		cmd = []string{"sh", "-c", "redis-cli -a $REDIS_PASSWORD ping"}
	default:
		cmd = []string{"true"}
	}
	return &corev1.Probe{
		ProbeHandler:        corev1.ProbeHandler{Exec: &corev1.ExecAction{Command: cmd}},
		InitialDelaySeconds: 10,
		PeriodSeconds:       15,
	}
}

func engineConfDir(serviceType string) string {
	switch serviceType {
	case labels.TypeMySQL:
		return "/etc/mysql/conf.d"
	case labels.TypePostgres:
		return "/etc/postgresql"
	case labels.TypeMemory:
		return "/usr/local/etc/redis"
	default:
		return "/etc/engine"
	}
}

// BuildService constructs the Service object fronting a deployment.
func BuildService(namespace string, spec queue.DeployServicePayload) *corev1.Service {
	name := labels.ServiceName(spec.ServiceID)
	objLabels := labels.Base(spec.OrganizationID, spec.ProjectID, spec.ServiceID, spec.ServiceType)
	for i, d := range spec.Domains {
		objLabels[labels.DomainLabel(i)] = d
	}
	for i, u := range spec.Usernames {
		objLabels[labels.UsernameLabel(i+1)] = u
	}
	if spec.ScaleToZero {
		objLabels[labels.ScaleToZeroEnabled] = "true"
	}

	var port int32 = 80
	var targetPort int32 = 3000
	switch spec.ServiceType {
	case labels.TypeMySQL:
		port, targetPort = 3306, 3306
	case labels.TypePostgres:
		port, targetPort = 5432, 5432
	case labels.TypeMemory:
		port, targetPort = 6379, 6379
	}

	return &corev1.Service{
		ObjectMeta: metaObject(name, namespace, objLabels),
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{labels.Service: spec.ServiceID},
			Ports: []corev1.ServicePort{{
				Port:       port,
				TargetPort: intstr.FromInt32(targetPort),
			}},
		},
	}
}

// BuildAutoscaler constructs the HPA object for a service, if autoscaling
// is enabled and fully specified (spec §4.4 step 5).
func BuildAutoscaler(namespace string, spec queue.DeployServicePayload, autoScalingEnabled bool, maxReplicas, targetCPU int32) *autoscalingv2.HorizontalPodAutoscaler {
	if !autoScalingEnabled || maxReplicas <= 0 || targetCPU <= 0 {
		return nil
	}
	minReplicas := spec.MinReplicas
	if minReplicas <= 0 {
		minReplicas = 1
	}
	return &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metaObject(labels.AutoscalerName(spec.ServiceID), namespace, labels.Base(spec.OrganizationID, spec.ProjectID, spec.ServiceID, spec.ServiceType)),
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       labels.DeploymentName(spec.ServiceID),
			},
			MinReplicas: &minReplicas,
			MaxReplicas: maxReplicas,
			Metrics: []autoscalingv2.MetricSpec{{
				Type: autoscalingv2.ResourceMetricSourceType,
				Resource: &autoscalingv2.ResourceMetricSource{
					Name: corev1.ResourceCPU,
					Target: autoscalingv2.MetricTarget{
						Type:               autoscalingv2.UtilizationMetricType,
						AverageUtilization: &targetCPU,
					},
				},
			}},
		},
	}
}

// BuildClaim constructs the PersistentVolumeClaim for a service's attached storage.
func BuildClaim(namespace string, spec queue.DeployServicePayload) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metaObject(labels.ClaimName(spec.ServiceID), namespace, labels.Base(spec.OrganizationID, spec.ProjectID, spec.ServiceID, spec.ServiceType)),
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: quantityOrZero(spec.DiskSize)},
			},
		},
	}
}

// BuildEnvSecret constructs the env-var Secret from the payload's Env map.
// No credentials are generated here; an engine's credentials reach the
// Secret only if the payload carries them in Env.
func BuildEnvSecret(namespace string, spec queue.DeployServicePayload) *corev1.Secret {
	data := map[string][]byte{}
	for k, v := range spec.Env {
		data[k] = []byte(v)
	}
	return &corev1.Secret{
		ObjectMeta: metaObject(labels.EnvSecretName(spec.ServiceID), namespace, labels.Base(spec.OrganizationID, spec.ProjectID, spec.ServiceID, spec.ServiceType)),
		Type:       corev1.SecretTypeOpaque,
		Data:       data,
	}
}

// BuildPullSecret wraps an already-encoded docker-config-json payload in
// the service's pull Secret. Choosing the registry host and encoding the
// credential are done by the caller, applyPullSecret.
func BuildPullSecret(namespace string, spec queue.DeployServicePayload, dockerConfigJSON []byte) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metaObject(labels.PullSecretName(spec.ServiceID), namespace, labels.Base(spec.OrganizationID, spec.ProjectID, spec.ServiceID, spec.ServiceType)),
		Type:       corev1.SecretTypeDockerConfigJson,
		Data:       map[string][]byte{corev1.DockerConfigJsonKey: dockerConfigJSON},
	}
}

// BuildEngineConfigMap renders the per-engine configuration (spec §4.4:
// MySQL auth policy, Postgres listen_addresses/memory/logging, in-memory
// engine ACL) into a ConfigMap mounted at the engine's conf directory.
func BuildEngineConfigMap(namespace string, spec queue.DeployServicePayload) *corev1.ConfigMap {
	var body, filename string
	switch spec.ServiceType {
	case labels.TypeMySQL:
		filename, body = "auth.cnf", generateMySQLConfig()
	case labels.TypePostgres:
		filename, body = "postgresql.conf", generatePostgresConfig()
	case labels.TypeMemory:
		filename, body = "redis.conf", generateMemoryEngineConfig(spec.Usernames)
	default:
		return nil
	}
	return &corev1.ConfigMap{
		ObjectMeta: metaObject(labels.ConfigMapName(spec.ServiceID, spec.ServiceType), namespace, labels.Base(spec.OrganizationID, spec.ProjectID, spec.ServiceID, spec.ServiceType)),
		Data:       map[string]string{filename: body},
	}
}

func dockerConfigHost(image string) string {
	if image == "" {
		return "index.docker.io"
	}
	for i, r := range image {
		if r == '/' {
			host := image[:i]
			if len(host) > 0 && (bytesContainsDot(host) || bytesContainsColon(host)) {
				return host
			}
			break
		}
	}
	return "index.docker.io"
}

func bytesContainsDot(s string) bool {
	for _, r := range s {
		if r == '.' {
			return true
		}
	}
	return false
}

func bytesContainsColon(s string) bool {
	for _, r := range s {
		if r == ':' {
			return true
		}
	}
	return false
}

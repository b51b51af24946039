// Package kubeclient constructs the orchestrator client handles shared by
// the gateways and the orchestration worker: a controller-runtime client
// for typed CRUD/CreateOrUpdate, and a client-go clientset for the
// SharedIndexInformer watchers used by the routing tables.
package kubeclient

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Handles bundles the two client shapes the core components need.
type Handles struct {
	Client    client.Client
	Clientset kubernetes.Interface
	RestConfig *rest.Config
}

// Scheme returns the runtime scheme used for typed CRUD: core, apps, and
// autoscaling/v2 are all the core needs (no CRDs, no Gateway API, no
// Ingress — the web gateway terminates routing itself per spec.md).
func Scheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(corev1.AddToScheme(scheme))
	utilruntime.Must(appsv1.AddToScheme(scheme))
	utilruntime.Must(autoscalingv2.AddToScheme(scheme))
	return scheme
}

// New resolves the orchestrator credentials (kubeConfigPath empty ⇒
// in-cluster, per spec §6) and builds both client handles.
func New(kubeConfigPath string) (*Handles, error) {
	restConfig, err := resolveConfig(kubeConfigPath)
	if err != nil {
		return nil, fmt.Errorf("resolving orchestrator credentials: %w", err)
	}

	c, err := client.New(restConfig, client.Options{Scheme: Scheme()})
	if err != nil {
		return nil, fmt.Errorf("building controller-runtime client: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("building clientset: %w", err)
	}

	return &Handles{Client: c, Clientset: clientset, RestConfig: restConfig}, nil
}

func resolveConfig(kubeConfigPath string) (*rest.Config, error) {
	if kubeConfigPath == "" {
		cfg, err := rest.InClusterConfig()
		if err == nil {
			return cfg, nil
		}
		// Fall through to kubeconfig resolution so local runs against an
		// empty path still work from a developer's default context.
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeConfigPath != "" {
		loadingRules.ExplicitPath = kubeConfigPath
	}
	overrides := &clientcmd.ConfigOverrides{}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
}

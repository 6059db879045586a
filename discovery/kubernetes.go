package discovery

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

const (
	componentLabel = "app.kubernetes.io/component"
	businessValue  = "business"
	domainAnnotation = "angzarr.io/domain"
	eventQueryPortName = "event-query"
	commandPortName    = "command"
)

// KubernetesWatcher reconciles a Registry from Service objects labeled
// app.kubernetes.io/component=business, keyed by the angzarr.io/domain
// annotation, per spec.md §4.8.
type KubernetesWatcher struct {
	Client    kubernetes.Interface
	Namespace string
}

func NewKubernetesWatcher(client kubernetes.Interface, namespace string) *KubernetesWatcher {
	return &KubernetesWatcher{Client: client, Namespace: namespace}
}

func (w *KubernetesWatcher) Watch(ctx context.Context, registry *Registry) error {
	factory := informers.NewSharedInformerFactoryWithOptions(w.Client, 0,
		informers.WithNamespace(w.Namespace),
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = componentLabel + "=" + businessValue
		}),
	)
	informer := factory.Core().V1().Services().Informer()

	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) { w.reconcile(registry, obj) },
		UpdateFunc: func(_, obj interface{}) { w.reconcile(registry, obj) },
		DeleteFunc: func(obj interface{}) {
			svc, ok := obj.(*corev1.Service)
			if !ok {
				if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
					svc, _ = tomb.Obj.(*corev1.Service)
				}
			}
			if svc == nil {
				return
			}
			if domain, ok := svc.Annotations[domainAnnotation]; ok {
				registry.Delete(domain)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("add service event handler: %w", err)
	}

	factory.Start(ctx.Done())
	factory.WaitForCacheSync(ctx.Done())
	<-ctx.Done()
	return nil
}

func (w *KubernetesWatcher) reconcile(registry *Registry, obj interface{}) {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		return
	}
	if svc.Labels[componentLabel] != businessValue {
		return
	}
	domain, ok := svc.Annotations[domainAnnotation]
	if !ok || domain == "" {
		return
	}
	host := fmt.Sprintf("%s.%s.svc.cluster.local", svc.Name, svc.Namespace)
	ep := Endpoint{
		CommandAddress:    fmt.Sprintf("%s:%d", host, portFor(svc, commandPortName)),
		EventQueryAddress: fmt.Sprintf("%s:%d", host, portFor(svc, eventQueryPortName)),
	}
	registry.Set(domain, ep)
}

func portFor(svc *corev1.Service, name string) int32 {
	for _, p := range svc.Spec.Ports {
		if p.Name == name {
			return p.Port
		}
	}
	if len(svc.Spec.Ports) > 0 {
		return svc.Spec.Ports[0].Port
	}
	return 0
}

package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

const (
	// DNSAnnotation set to "false" hides a pod from the zone.
	DNSAnnotation = "meshns.io/dns"

	// ResolverConfigMap receives the pushed resolver settings.
	ResolverConfigMap = "meshns-resolver"
)

// Kubernetes serves pods of a namespace as overlay members.
type Kubernetes struct {
	client    kubernetes.Interface
	namespace string
	selector  string
}

// NewKubernetes connects to the cluster described by kubeconfig, falling
// back to in-cluster configuration.
func NewKubernetes(kubeconfig, namespace, selector string) (*Kubernetes, error) {
	cfg, err := buildConfig(kubeconfig)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}

	return NewKubernetesWithClient(clientset, namespace, selector), nil
}

// NewKubernetesWithClient returns a directory over an existing clientset.
func NewKubernetesWithClient(client kubernetes.Interface, namespace, selector string) *Kubernetes {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}

	return &Kubernetes{
		client:    client,
		namespace: namespace,
		selector:  selector,
	}
}

// Roster implements Directory. The network identifier is informational,
// members are the pods matching the selector.
func (k *Kubernetes) Roster(ctx context.Context, network string) (*Roster, error) {
	pods, err := k.client.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{LabelSelector: k.selector})
	if err != nil {
		return nil, newFetchError(classify(err), err)
	}

	roster := &Roster{Network: Network{ID: network}}

	for i := range pods.Items {
		if member, ok := podMember(&pods.Items[i]); ok {
			roster.Members = append(roster.Members, member)
		}
	}

	return roster, nil
}

func podMember(p *corev1.Pod) (Member, bool) {
	id := strings.ReplaceAll(string(p.UID), "-", "")
	if len(id) < 10 {
		return Member{}, false
	}

	member := Member{
		ID:         strings.ToLower(id[:10]),
		Name:       p.Name,
		Authorized: p.Status.Phase == corev1.PodRunning,
		DNSEnabled: p.Annotations[DNSAnnotation] != "false",
	}

	if p.Status.PodIP != "" {
		member.Addresses = append(member.Addresses, p.Status.PodIP)
	}

	for _, podIP := range p.Status.PodIPs {
		if podIP.IP != "" && podIP.IP != p.Status.PodIP {
			member.Addresses = append(member.Addresses, podIP.IP)
		}
	}

	return member, true
}

// PushResolver implements Directory by writing a config map.
func (k *Kubernetes) PushResolver(ctx context.Context, network string, resolver Resolver) error {
	data := map[string]string{
		"network": network,
		"domain":  strings.TrimSuffix(resolver.Domain, "."),
		"servers": strings.Join(resolver.Servers, ","),
	}

	cms := k.client.CoreV1().ConfigMaps(k.namespace)

	cm, err := cms.Get(ctx, ResolverConfigMap, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		cm = &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: ResolverConfigMap, Namespace: k.namespace},
			Data:       data,
		}
		if _, err := cms.Create(ctx, cm, metav1.CreateOptions{}); err != nil {
			return &PushError{Err: err}
		}
		return nil
	}
	if err != nil {
		return &PushError{Err: err}
	}

	cm.Data = data
	if _, err := cms.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return &PushError{Err: err}
	}

	return nil
}

func classify(err error) error {
	switch {
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return ErrUnauthorized
	case apierrors.IsNotFound(err):
		return ErrNotFound
	case apierrors.IsBadRequest(err), apierrors.IsInvalid(err):
		return ErrMalformed
	default:
		return ErrTransport
	}
}

func buildConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return config, nil
		}

		if kc := os.Getenv("KUBECONFIG"); kc != "" {
			kubeconfig = kc
		} else if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}

	if kubeconfig != "" {
		if _, err := os.Stat(kubeconfig); err == nil {
			return clientcmd.BuildConfigFromFlags("", kubeconfig)
		}
	}

	return nil, fmt.Errorf("no kubernetes config found")
}

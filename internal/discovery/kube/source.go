// Package kube discovers role instances from pods in a Kubernetes namespace.
package kube

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/selection"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/pingsantohq/hostsync/internal/alias"
	"github.com/pingsantohq/hostsync/internal/discovery"
)

const (
	sourceName = "kubernetes"
	// PodIndexLabel is set by the StatefulSet controller on each pod.
	PodIndexLabel    = "apps.kubernetes.io/pod-index"
	DefaultRoleLabel = "hostsync.io/role"
)

type Config struct {
	// Namespace to list pods in; empty means all namespaces.
	Namespace     string
	LabelSelector string
	RoleLabel     string
	// Kubeconfig path; empty uses the in-cluster configuration.
	Kubeconfig string
}

type Source struct {
	client kubernetes.Interface
	cfg    Config
	extra  labels.Selector
	logger log.Logger
}

func New(cfg Config, logger log.Logger) (*Source, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("building client config: %w", err)
	}
	restCfg.UserAgent = "hostsync-agent"
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating Kubernetes client: %w", err)
	}
	return NewFromClient(clientset, cfg, logger)
}

func NewFromClient(client kubernetes.Interface, cfg Config, logger log.Logger) (*Source, error) {
	if cfg.RoleLabel == "" {
		cfg.RoleLabel = DefaultRoleLabel
	}
	extra, err := labels.Parse(cfg.LabelSelector)
	if err != nil {
		return nil, fmt.Errorf("parse label selector %q: %w", cfg.LabelSelector, err)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Source{client: client, cfg: cfg, extra: extra, logger: logger}, nil
}

// Selector returns the pod selector used for role.
func (s *Source) Selector(role string) (labels.Selector, error) {
	req, err := labels.NewRequirement(s.cfg.RoleLabel, selection.Equals, []string{role})
	if err != nil {
		return nil, err
	}
	return s.extra.Add(*req), nil
}

// FetchInstances implements discovery.Source. Only running, ready pods with
// an IP are reported, ordered by instance id.
func (s *Source) FetchInstances(ctx context.Context, role string) ([]discovery.Instance, error) {
	sel, err := s.Selector(role)
	if err != nil {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("role selector: %w", err))
	}
	pods, err := s.client.CoreV1().Pods(s.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: sel.String()})
	if err != nil {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("list pods: %w", err))
	}

	instances := make([]discovery.Instance, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		if !serving(pod) {
			level.Debug(s.logger).Log("msg", "ignoring pod", "pod", pod.Name, "phase", pod.Status.Phase)
			continue
		}
		instances = append(instances, discovery.Instance{
			ID:      role + alias.Separator + podIndex(pod),
			Address: pod.Status.PodIP,
		})
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

func serving(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil || pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// podIndex prefers the StatefulSet index label and falls back to the pod
// name suffix after the last '-'.
func podIndex(pod *corev1.Pod) string {
	if idx, ok := pod.Labels[PodIndexLabel]; ok && idx != "" {
		return idx
	}
	if i := strings.LastIndex(pod.Name, "-"); i >= 0 {
		return pod.Name[i+1:]
	}
	return pod.Name
}

var _ discovery.Source = (*Source)(nil)

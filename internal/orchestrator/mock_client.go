package orchestrator

import (
	"context"
	"time"
)

// MockClient is a function-field-override test double for Client, the same
// pattern the teacher's runner.MockRuntime uses: every method delegates to
// an overridable func field, defaulting to a harmless success response so
// tests only need to set the fields they care about.
type MockClient struct {
	ApplyFunc           func(ctx context.Context, m Manifest) (ApplyResult, error)
	DeleteFunc          func(ctx context.Context, kind Kind, name, namespace string) error
	WaitReadyFunc       func(ctx context.Context, workloadName, namespace string, timeout time.Duration) (ReadyCondition, error)
	ListPodsForFunc     func(ctx context.Context, workloadName, namespace string) ([]PodInfo, error)
	StreamLogsFunc      func(ctx context.Context, namespace, pod, container string, sink chan<- LogChunk) error
	ScaleWorkloadFunc   func(ctx context.Context, workloadName, namespace string, replicas int32) error
	RestartWorkloadFunc func(ctx context.Context, workloadName, namespace string) error
	PodMetricsFunc      func(ctx context.Context, workloadName, namespace string) (UsageSample, error)

	// Applied records every manifest passed to Apply, in call order, for
	// assertions that don't need a custom ApplyFunc.
	Applied []Manifest
	// Deleted records every (kind, name, namespace) passed to Delete.
	Deleted []DeleteCall
}

// DeleteCall captures one Delete invocation.
type DeleteCall struct {
	Kind      Kind
	Name      string
	Namespace string
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) Apply(ctx context.Context, manifest Manifest) (ApplyResult, error) {
	m.Applied = append(m.Applied, manifest)
	if m.ApplyFunc != nil {
		return m.ApplyFunc(ctx, manifest)
	}
	return ApplyResult{Action: ActionCreated}, nil
}

func (m *MockClient) Delete(ctx context.Context, kind Kind, name, namespace string) error {
	m.Deleted = append(m.Deleted, DeleteCall{Kind: kind, Name: name, Namespace: namespace})
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, kind, name, namespace)
	}
	return nil
}

func (m *MockClient) WaitReady(ctx context.Context, workloadName, namespace string, timeout time.Duration) (ReadyCondition, error) {
	if m.WaitReadyFunc != nil {
		return m.WaitReadyFunc(ctx, workloadName, namespace, timeout)
	}
	return ReadyCondition{Ready: true}, nil
}

func (m *MockClient) ListPodsFor(ctx context.Context, workloadName, namespace string) ([]PodInfo, error) {
	if m.ListPodsForFunc != nil {
		return m.ListPodsForFunc(ctx, workloadName, namespace)
	}
	return nil, nil
}

func (m *MockClient) StreamLogs(ctx context.Context, namespace, pod, container string, sink chan<- LogChunk) error {
	if m.StreamLogsFunc != nil {
		return m.StreamLogsFunc(ctx, namespace, pod, container, sink)
	}
	close(sink)
	return nil
}

func (m *MockClient) ScaleWorkload(ctx context.Context, workloadName, namespace string, replicas int32) error {
	if m.ScaleWorkloadFunc != nil {
		return m.ScaleWorkloadFunc(ctx, workloadName, namespace, replicas)
	}
	return nil
}

func (m *MockClient) RestartWorkload(ctx context.Context, workloadName, namespace string) error {
	if m.RestartWorkloadFunc != nil {
		return m.RestartWorkloadFunc(ctx, workloadName, namespace)
	}
	return nil
}

func (m *MockClient) PodMetrics(ctx context.Context, workloadName, namespace string) (UsageSample, error) {
	if m.PodMetricsFunc != nil {
		return m.PodMetricsFunc(ctx, workloadName, namespace)
	}
	return UsageSample{}, nil
}

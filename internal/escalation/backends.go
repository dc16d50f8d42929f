package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/edgecoder/swarm/internal/provider"
)

// ParentCoordinatorBackend forwards the escalation to the task's parent
// coordinator over HTTP, grounded in the teacher's HTTPTaskExecutor
// (services/orchestrator/task_executor.go).
type ParentCoordinatorBackend struct {
	baseURL    string
	meshToken  string
	httpClient *http.Client
}

// NewParentCoordinatorBackend builds a backend calling baseURL's
// /escalate endpoint.
func NewParentCoordinatorBackend(baseURL, meshToken string) *ParentCoordinatorBackend {
	return &ParentCoordinatorBackend{baseURL: baseURL, meshToken: meshToken, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (b *ParentCoordinatorBackend) Name() string { return "parent-coordinator" }

func (b *ParentCoordinatorBackend) Try(ctx context.Context, req Request) (Response, Outcome, error) {
	body, err := json.Marshal(map[string]any{
		"escalationId": req.EscalationID,
		"task":         req.Task,
		"failedCode":   req.FailedCode,
		"errorHistory": req.ErrorHistory,
		"language":     req.Language,
	})
	if err != nil {
		return Response{}, OutcomeError, fmt.Errorf("escalation: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/escalate", bytes.NewReader(body))
	if err != nil {
		return Response{}, OutcomeError, fmt.Errorf("escalation: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-mesh-token", b.meshToken)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, OutcomeTimeout, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable {
		return Response{}, OutcomeDecline, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, OutcomeError, fmt.Errorf("escalation: parent coordinator http %d", resp.StatusCode)
	}

	var parsed struct {
		ImprovedCode string `json:"improvedCode"`
		Explanation  string `json:"explanation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Response{}, OutcomeError, fmt.Errorf("escalation: decode response: %w", err)
	}
	return Response{ImprovedCode: parsed.ImprovedCode, Explanation: parsed.Explanation}, OutcomeSuccess, nil
}

// CloudInferenceBackend asks a cloud model provider to propose a fix,
// grounded in the Model Provider Registry's HTTPProvider.
type CloudInferenceBackend struct {
	provider provider.Provider
}

// NewCloudInferenceBackend wraps a provider as an escalation backend.
func NewCloudInferenceBackend(p provider.Provider) *CloudInferenceBackend {
	return &CloudInferenceBackend{provider: p}
}

func (b *CloudInferenceBackend) Name() string { return "cloud-inference" }

func (b *CloudInferenceBackend) Try(ctx context.Context, req Request) (Response, Outcome, error) {
	if !b.provider.Health(ctx) {
		return Response{}, OutcomeDecline, nil
	}
	prompt := fmt.Sprintf("Fix this %s code:\n%s\n\nErrors:\n%v", req.Language, req.FailedCode, req.ErrorHistory)
	result := b.provider.Generate(ctx, prompt, provider.GenerateOptions{Temperature: 0.2})
	if result.Err != nil {
		return Response{}, OutcomeError, result.Err
	}
	return Response{ImprovedCode: result.Text, Explanation: "cloud inference proposed fix"}, OutcomeSuccess, nil
}

// HumanQueueBackend is the terminal hop: it never auto-resolves, it only
// records the escalation for manual pickup (spec §4.7 step 3).
type HumanQueueBackend struct {
	enqueue func(Request)
}

// NewHumanQueueBackend builds the terminal backend, calling enqueue for
// every escalation that reaches it.
func NewHumanQueueBackend(enqueue func(Request)) *HumanQueueBackend {
	return &HumanQueueBackend{enqueue: enqueue}
}

func (b *HumanQueueBackend) Name() string { return "human-queue" }

func (b *HumanQueueBackend) Try(ctx context.Context, req Request) (Response, Outcome, error) {
	if b.enqueue != nil {
		b.enqueue(req)
	}
	return Response{}, OutcomeDecline, nil
}

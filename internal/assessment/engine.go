// Package assessment sizes a task with a single LLM call before the
// scheduler will execute it. The model returns a complexity rating, a
// recommended agent model, and optionally a decomposition into
// subtasks.
package assessment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/ajfrai/agent-queue/internal/common/config"
	"github.com/ajfrai/agent-queue/internal/common/logger"
	"github.com/ajfrai/agent-queue/internal/task/models"
)

const (
	anthropicVersion  = "2023-06-01"
	messagesPath      = "/v1/messages"
	responseMaxTokens = 2048
)

// Subtask is one unit of a proposed decomposition.
type Subtask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Result is the parsed assessment verdict for one task.
type Result struct {
	Complexity       string    `json:"complexity"`
	RecommendedModel string    `json:"recommended_model"`
	ShouldDecompose  bool      `json:"should_decompose"`
	Subtasks         []Subtask `json:"subtasks,omitempty"`
	Comment          string    `json:"comment,omitempty"`
	Reasoning        string    `json:"reasoning,omitempty"`
}

// Engine performs single-shot assessments against the Anthropic
// Messages API. It does not retry; the scheduler owns retry policy.
type Engine struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewEngine creates an assessment engine from configuration.
func NewEngine(cfg config.AssessmentConfig, log *logger.Logger) *Engine {
	return &Engine{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		logger:     log.WithFields(zap.String("component", "assessment")),
	}
}

const systemPrompt = `You are a task assessor for an autonomous coding agent queue.
Given a task, respond with ONLY a JSON object, no prose, of the form:
{
  "complexity": "trivial" | "simple" | "moderate" | "complex",
  "recommended_model": "<model id best suited to the task>",
  "should_decompose": true | false,
  "subtasks": [{"title": "...", "description": "..."}],
  "comment": "<short note for the task's comment thread>",
  "reasoning": "<one or two sentences>"
}
Only recommend decomposition for work that clearly needs multiple
independent agent sessions. A task one session can finish must not be
decomposed; when should_decompose is false, subtasks must be empty.`

// Assess sends the task to the model and parses its verdict. The
// parent, when present, is included as context so subtasks are sized
// relative to the work already carved out.
func (e *Engine) Assess(ctx context.Context, task *models.Task, parent *models.Task) (*Result, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Task title: %s\n", task.Title)
	fmt.Fprintf(&prompt, "Task description:\n%s\n", task.Description)
	if parent != nil {
		fmt.Fprintf(&prompt, "\nThis task is a subtask of: %s\n", parent.Title)
		fmt.Fprintf(&prompt, "Parent description:\n%s\n", parent.Description)
		prompt.WriteString("Subtasks of an already-decomposed task should almost never be decomposed again.\n")
	}

	text, err := e.complete(ctx, prompt.String())
	if err != nil {
		return nil, err
	}

	result, err := parseResult(text)
	if err != nil {
		e.logger.Warn("Assessment response was not parseable",
			zap.Int64("task_id", task.ID),
			zap.String("response", truncate(text, 500)),
			zap.Error(err))
		return nil, err
	}

	e.logger.Info("Task assessed",
		zap.Int64("task_id", task.ID),
		zap.String("complexity", result.Complexity),
		zap.Bool("should_decompose", result.ShouldDecompose),
		zap.Int("subtasks", len(result.Subtasks)))
	return result, nil
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// complete makes one Messages API call and returns the concatenated
// text blocks of the response.
func (e *Engine) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(messagesRequest{
		Model:       e.model,
		MaxTokens:   responseMaxTokens,
		Temperature: 0,
		System:      systemPrompt,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("assessment request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("assessment API returned %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("assessment API error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("assessment response contained no text")
	}
	return text.String(), nil
}

// parseResult parses the model's JSON verdict. Models occasionally wrap
// the object in a code fence or emit slightly broken JSON; we strip
// fences and run one repair pass before giving up.
func parseResult(text string) (*Result, error) {
	candidate := stripCodeFence(strings.TrimSpace(text))

	var result Result
	if err := json.Unmarshal([]byte(candidate), &result); err == nil {
		return validateResult(&result)
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, fmt.Errorf("assessment response is not valid JSON and could not be repaired: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &result); err != nil {
		return nil, fmt.Errorf("repaired assessment response still not valid JSON: %w", err)
	}
	return validateResult(&result)
}

func validateResult(r *Result) (*Result, error) {
	if r.Complexity == "" {
		return nil, fmt.Errorf("assessment response missing complexity")
	}
	if r.ShouldDecompose && len(r.Subtasks) == 0 {
		return nil, fmt.Errorf("assessment proposed decomposition without subtasks")
	}
	return r, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

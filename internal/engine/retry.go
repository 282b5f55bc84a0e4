package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alphredhq/alphred/internal/provider"
	"github.com/alphredhq/alphred/internal/store"
	"github.com/zeebo/blake3"
)

const (
	errorHandlerSummaryKind = "error_handler_summary_v1"
	maxErrorContextChars    = 8_000
	fallbackProvider        = "codex"
)

// DefaultErrorHandlerPrompt drives the summarization phase run between
// a failed attempt and its retry.
const DefaultErrorHandlerPrompt = `You are a failure analyst for an automated workflow. An agent phase
failed and will be retried. Read the failure context below and produce a
short, actionable summary for the retry attempt: what was attempted,
what went wrong, and what the retry should do differently. Be concrete
and under 30 lines. Do not restate the full input.`

// errorHandlerConfig is the resolved per-node error handler settings.
type errorHandlerConfig struct {
	Provider      string
	Model         string
	Prompt        string
	MaxInputChars int
}

type rawHandlerConfig struct {
	Mode          string `json:"mode"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	Prompt        string `json:"prompt"`
	MaxInputChars int    `json:"maxInputChars"`
}

// resolveErrorHandler interprets a node's error_handler_config. A null
// config means default-enabled; {mode:disabled} skips the handler;
// {mode:custom} overrides present fields and defaults the rest.
func resolveErrorHandler(node *store.RunNode) (errorHandlerConfig, bool, error) {
	def := errorHandlerConfig{
		Provider:      node.Provider,
		Prompt:        DefaultErrorHandlerPrompt,
		MaxInputChars: maxErrorContextChars,
	}
	if def.Provider == "" {
		def.Provider = fallbackProvider
	}
	def.Model = provider.CheapModel(def.Provider)

	if strings.TrimSpace(node.ErrorHandlerCfg) == "" {
		return def, true, nil
	}
	var raw rawHandlerConfig
	if err := json.Unmarshal([]byte(node.ErrorHandlerCfg), &raw); err != nil {
		return errorHandlerConfig{}, false, fmt.Errorf("parse error handler config for %s: %w", node.NodeKey, err)
	}
	switch raw.Mode {
	case "disabled":
		return errorHandlerConfig{}, false, nil
	case "", "custom":
		cfg := def
		if raw.Provider != "" {
			cfg.Provider = raw.Provider
			cfg.Model = provider.CheapModel(raw.Provider)
		}
		if raw.Model != "" {
			cfg.Model = raw.Model
		}
		if raw.Prompt != "" {
			cfg.Prompt = raw.Prompt
		}
		if raw.MaxInputChars > 0 {
			cfg.MaxInputChars = raw.MaxInputChars
		}
		return cfg, true, nil
	default:
		return errorHandlerConfig{}, false, fmt.Errorf("unknown error handler mode %q for %s", raw.Mode, node.NodeKey)
	}
}

// errorHandlerOutcome is recorded in the failed attempt's diagnostics.
type errorHandlerOutcome struct {
	Attempted         bool   `json:"attempted"`
	Status            string `json:"status"` // completed, failed, skipped
	SummaryArtifactID int64  `json:"summaryArtifactId,omitempty"`
	SourceAttempt     int    `json:"sourceAttempt"`
	TargetAttempt     int    `json:"targetAttempt,omitempty"`
	Provider          string `json:"provider,omitempty"`
	Model             string `json:"model,omitempty"`
	EventCount        int    `json:"eventCount"`
	TokensUsed        int64  `json:"tokensUsed"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
}

// retryEligible reports whether a failed attempt may retry: it failed
// while the run was active and has attempts left.
func retryEligible(run *store.WorkflowRun, node *store.RunNode) bool {
	if run.Status != store.RunRunning && run.Status != store.RunPaused {
		return false
	}
	return node.Attempt <= node.MaxRetries
}

// runErrorHandler executes the summarization phase for a failed attempt
// and persists the summary note. Handler failures never block the
// retry; the outcome records what happened either way.
func (e *Executor) runErrorHandler(ctx context.Context, run *store.WorkflowRun, node *store.RunNode, failureArtifact *store.PhaseArtifact, errMsg string, partial []provider.Event) errorHandlerOutcome {
	out := errorHandlerOutcome{
		SourceAttempt: node.Attempt,
		TargetAttempt: node.Attempt + 1,
	}
	cfg, enabled, err := resolveErrorHandler(node)
	if err != nil {
		out.Status = "failed"
		out.ErrorMessage = err.Error()
		return out
	}
	if !enabled {
		out.Status = "skipped"
		return out
	}
	out.Attempted = true
	out.Provider = cfg.Provider
	out.Model = cfg.Model

	prov, err := e.providers.Resolve(cfg.Provider)
	if err != nil {
		out.Status = "failed"
		out.ErrorMessage = err.Error()
		return out
	}

	var artifactID int64
	if failureArtifact != nil {
		artifactID = failureArtifact.ID
	}
	input := renderErrorHandlerInput(run.ID, node, artifactID, errMsg, partial, cfg.MaxInputChars)
	prompt := cfg.Prompt + "\n\n" + input

	stream, err := prov.Run(ctx, prompt, provider.Options{
		Model:   cfg.Model,
		Context: map[string]string{"node_key": node.NodeKey + "#error-handler"},
	})
	if err != nil {
		out.Status = "failed"
		out.ErrorMessage = err.Error()
		return out
	}
	defer stream.Close()

	var summary string
	var sawResult bool
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.Status = "failed"
			out.ErrorMessage = err.Error()
			return out
		}
		out.EventCount++
		if ev.TokensTotal > out.TokensUsed {
			out.TokensUsed = ev.TokensTotal
		}
		if ev.Kind == provider.EventResult {
			summary = ev.Content
			sawResult = true
		}
	}
	if !sawResult {
		out.Status = "failed"
		out.ErrorMessage = ReasonMissingResult
		return out
	}

	meta, _ := json.Marshal(map[string]any{
		"kind":                errorHandlerSummaryKind,
		"source_attempt":      node.Attempt,
		"target_attempt":      node.Attempt + 1,
		"failure_artifact_id": artifactID,
		"provider":            cfg.Provider,
		"model":               cfg.Model,
		"prompt_hash":         blake3Hex(prompt),
		"event_count":         out.EventCount,
		"tokens_used":         out.TokensUsed,
		"max_input_chars":     cfg.MaxInputChars,
	})
	note := &store.PhaseArtifact{
		RunID:        run.ID,
		RunNodeID:    node.ID,
		ArtifactType: store.ArtifactNote,
		ContentType:  store.ContentText,
		Content:      summary,
		Metadata:     string(meta),
	}
	if err := e.store.InsertArtifact(ctx, note); err != nil {
		out.Status = "failed"
		out.ErrorMessage = err.Error()
		return out
	}
	out.Status = "completed"
	out.SummaryArtifactID = note.ID
	e.logger.Debug("engine: error handler summary persisted",
		"run_id", run.ID, "node_key", node.NodeKey, "artifact_id", note.ID)
	return out
}

// renderErrorHandlerInput builds the bounded failure context envelope
// fed to the handler phase.
func renderErrorHandlerInput(runID int64, node *store.RunNode, failureArtifactID int64, errMsg string, partial []provider.Event, maxInputChars int) string {
	var b strings.Builder
	b.WriteString("ALPHRED_RETRY_ERROR_HANDLER_INPUT v1\n")
	fmt.Fprintf(&b, "workflow_run_id: %d\n", runID)
	fmt.Fprintf(&b, "node_key: %s\n", node.NodeKey)
	fmt.Fprintf(&b, "source_attempt: %d\n", node.Attempt)
	fmt.Fprintf(&b, "target_attempt: %d\n", node.Attempt+1)
	fmt.Fprintf(&b, "max_retries: %d\n", node.MaxRetries)
	fmt.Fprintf(&b, "provider: %s\n", node.Provider)
	fmt.Fprintf(&b, "model: %s\n", node.Model)
	fmt.Fprintf(&b, "failure_artifact_id: %d\n", failureArtifactID)
	fmt.Fprintf(&b, "error_message: %s\n", strings.ReplaceAll(errMsg, "\n", " "))
	b.WriteString("partial_output:\n")
	writeDelimited(&b, partialOutput(partial))
	b.WriteString("original_prompt:\n")
	writeDelimited(&b, node.Prompt)
	body, _ := headTail(b.String(), maxInputChars)
	return body
}

// partialOutput picks the most useful fragment of a dead stream: the
// last result event if one arrived, else the last three assistant
// events, else "none".
func partialOutput(events []provider.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == provider.EventResult {
			return events[i].Content
		}
	}
	var assistant []string
	for i := len(events) - 1; i >= 0 && len(assistant) < 3; i-- {
		if events[i].Kind == provider.EventAssistant {
			assistant = append([]string{events[i].Content}, assistant...)
		}
	}
	if len(assistant) > 0 {
		return strings.Join(assistant, "\n")
	}
	return "none"
}

func blake3Hex(s string) string {
	sum := blake3.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum)
}

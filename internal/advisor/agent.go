package advisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/callassist/internal/prompts"
)

// AgentBackend asks an LLM for advice through the openai-agents-go runner.
type AgentBackend struct {
	provider     agents.ModelProvider
	model        string
	instructions string
	maxTokens    int
}

func NewAgentBackend(provider agents.ModelProvider, model, systemPrompt string, maxTokens int) *AgentBackend {
	return &AgentBackend{
		provider:     provider,
		model:        model,
		instructions: prompts.ForCall(systemPrompt),
		maxTokens:    maxTokens,
	}
}

func (b *AgentBackend) Advise(ctx context.Context, req Request) (string, error) {
	agent := agents.New("call-advisor").
		WithInstructions(b.instructions).
		WithModel(b.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(b.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   b.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	events, errCh, err := runner.RunStreamedChan(ctx, agent, agentInput(req))
	if err != nil {
		return "", fmt.Errorf("advisor agent start: %w", err)
	}

	var text strings.Builder
	for ev := range events {
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok || raw.Data.Type != "response.output_text.delta" {
			continue
		}
		text.WriteString(raw.Data.Delta)
	}
	if streamErr := <-errCh; streamErr != nil {
		return "", fmt.Errorf("advisor agent stream: %w", streamErr)
	}
	return text.String(), nil
}

func agentInput(req Request) string {
	speaker := "Customer"
	if req.IsAgent {
		speaker = "Agent"
	}
	history := make([]string, 0, len(req.Context))
	for _, c := range req.Context {
		history = append(history, c.Content)
	}
	return prompts.AdvisorTurn(speaker, req.Transcription, history)
}

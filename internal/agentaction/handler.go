// Package agentaction is the AGENT_ASSISTED action handler: it renders a
// prompt from the node's runtime context and calls a chat-completion model.
package agentaction

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/rs/zerolog"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
)

const defaultModel = "gpt-4o"

// Handler executes AGENT_ASSISTED node actions against the OpenAI chat
// completion API. The prompt template comes from the node's metadata-free
// config surface: the handlerRef selects this handler, the assignee
// expression is unused, and the prompt is looked up in the runtime
// context under "prompt:<nodeId>" falling back to the node description.
type Handler struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

func New(apiKey, model string, log zerolog.Logger) *Handler {
	if model == "" {
		model = defaultModel
	}
	return &Handler{
		client: openai.NewClient(apiKey),
		model:  model,
		log:    log.With().Str("component", "agentaction").Logger(),
	}
}

var _ ports.ActionHandler = (*Handler)(nil)

func (h *Handler) SupportsAsync() bool { return false }

func (h *Handler) ExecuteAsync(ctx context.Context, ac ports.ActionContext) ports.ActionResult {
	return h.Execute(ctx, ac)
}

// Execute renders the prompt, substituting {{key}} placeholders from the
// flattened runtime context, and returns the model's reply under "output".
func (h *Handler) Execute(ctx context.Context, ac ports.ActionContext) ports.ActionResult {
	prompt := h.resolvePrompt(ac)
	if prompt == "" {
		return ports.ActionResult{
			Status: ports.ActionFailed,
			Err:    &domain.ExecutionError{Type: "CONFIGURATION", Message: "no prompt configured for node " + ac.Node.ID},
		}
	}

	prompt = substitute(prompt, flatten(ac.Runtime))

	req := openai.ChatCompletionRequest{
		Model: h.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	resp, err := h.client.CreateChatCompletion(ctx, req)
	if err != nil {
		h.log.Error().Err(err).Str("nodeId", ac.Node.ID).Msg("chat completion failed")
		return ports.ActionResult{
			Status: ports.ActionFailed,
			Err:    &domain.ExecutionError{Type: "TRANSIENT", Message: "agent call failed: " + err.Error()},
		}
	}
	if len(resp.Choices) == 0 {
		return ports.ActionResult{
			Status: ports.ActionFailed,
			Err:    &domain.ExecutionError{Type: "TRANSIENT", Message: "agent returned no choices"},
		}
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	return ports.ActionResult{
		Status: ports.ActionCompleted,
		Output: map[string]any{"output": content, "model": h.model},
	}
}

func (h *Handler) resolvePrompt(ac ports.ActionContext) string {
	if v, ok := ac.Runtime.DomainContext["prompt:"+ac.Node.ID]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ac.Node.Description
}

func flatten(rc ports.RuntimeContext) map[string]any {
	out := make(map[string]any, len(rc.ClientContext)+len(rc.DomainContext)+len(rc.AccumulatedState))
	for k, v := range rc.ClientContext {
		out[k] = v
	}
	for k, v := range rc.DomainContext {
		out[k] = v
	}
	for k, v := range rc.AccumulatedState {
		out[k] = v
	}
	return out
}

// substitute replaces {{key}} placeholders with fmt-rendered values; an
// unknown key is left in place so the gap is visible in the prompt.
func substitute(template string, vars map[string]any) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return out
}

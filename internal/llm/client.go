package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one chat completion call.
type Request struct {
	Instructions string
	Messages     []Message
	Tools        []Tool
}

// Usage is the token accounting for one call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Response is the model's reply.
type Response struct {
	Model     string
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Completer produces model replies.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	ImageDetail() bool
}

// Client is a chat completion client bound to one Transport.
type Client struct {
	api    openai.Client
	model  string
	detail atomic.Bool
	logger *slog.Logger
}

// NewClient creates a client for t. A nil httpClient uses NewHTTPClient.
func NewClient(t Transport, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
	if t.BaseURL != "" {
		base := t.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	if t.Routed() {
		// The gateway authenticates with its own header.
		opts = append(opts, option.WithHeaderDel("authorization"))
	} else if t.APIKey != "" {
		opts = append(opts, option.WithAPIKey(t.APIKey))
	}
	for key, values := range t.Headers {
		for _, v := range values {
			opts = append(opts, option.WithHeaderAdd(key, v))
		}
	}

	c := &Client{
		api:    openai.NewClient(opts...),
		model:  t.Model,
		logger: logger.With("component", "llm", "transport", string(t.Kind)),
	}
	c.detail.Store(t.SupportsImageDetail)
	return c
}

// ImageDetail reports whether image detail hints are currently accepted.
func (c *Client) ImageDetail() bool {
	return c.detail.Load()
}

// Complete sends req. When the provider rejects an image detail hint, the
// request is retried once without hints and hints stay disabled for the
// life of the client, including those already held in conversation history.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	detail := c.detail.Load()
	resp, err := c.complete(ctx, req, detail)
	if err == nil || !detail || !isDetailRejection(err) || !hasDetail(req.Messages) {
		return resp, err
	}

	c.logger.Warn("provider rejected image detail hint; retrying without it", "error", err)
	c.detail.Store(false)
	return c.complete(ctx, req, false)
}

func (c *Client) complete(ctx context.Context, req Request, detail bool) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toParams(req.Instructions, req.Messages, detail),
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(t.Parameters),
		}))
	}

	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("chat completion: no choices returned")
	}

	msg := completion.Choices[0].Message
	resp := &Response{
		Model: completion.Model,
		Text:  msg.Content,
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

// toParams converts msgs to request messages. Image detail hints are sent
// only when detail is true.
func toParams(instructions string, msgs []Message, detail bool) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if instructions != "" {
		out = append(out, openai.SystemMessage(instructions))
	}
	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Text()))
		case RoleUser:
			if m.ImageCount() == 0 {
				out = append(out, openai.UserMessage(m.Text()))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Kind {
				case PartText:
					parts = append(parts, openai.TextContentPart(p.Text))
				case PartImage:
					img := openai.ChatCompletionContentPartImageImageURLParam{URL: p.ImageURL}
					if detail {
						img.Detail = string(p.Detail)
					}
					parts = append(parts, openai.ImageContentPart(img))
				}
			}
			out = append(out, openai.UserMessage(parts))
		case RoleAssistant:
			out = append(out, assistantParam(m))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Text(), m.ToolCallID))
		}
	}
	return out
}

func assistantParam(m *Message) openai.ChatCompletionMessageParamUnion {
	var p openai.ChatCompletionAssistantMessageParam
	if text := m.Text(); text != "" {
		p.Content.OfString = openai.String(text)
	}
	for _, tc := range m.ToolCalls {
		p.ToolCalls = append(p.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &p}
}

func hasDetail(msgs []Message) bool {
	for i := range msgs {
		if msgs[i].hasDetail() {
			return true
		}
	}
	return false
}

func isDetailRejection(err error) bool {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Error()), "detail")
}

package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// AnthropicProvider adapts the Anthropic Messages API to the OpenAI-shaped
// chunk stream. Tool-use and tool-result blocks are translated once, here
// at the boundary; nothing upstream knows the difference.
type AnthropicProvider struct {
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
	limiter      *rate.Limiter
}

func NewAnthropicProvider(apiKey, defaultModel string) *AnthropicProvider {
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicProvider{
		apiKey:       apiKey,
		apiBase:      "https://api.anthropic.com/v1",
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 300 * time.Second},
		retryConfig:  DefaultRetryConfig(),
		limiter:      rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Stream(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req)

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer respBody.Close()

		emit := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Anthropic indexes every content block; only tool_use blocks get
		// an OpenAI-style tool-call index, assigned in arrival order.
		toolIndex := map[int]int{}
		nextTool := 0

		scanner := bufio.NewScanner(respBody)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var currentEvent string

		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			switch currentEvent {
			case "content_block_start":
				var ev anthropicBlockStart
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				if ev.ContentBlock.Type == "tool_use" {
					idx := nextTool
					nextTool++
					toolIndex[ev.Index] = idx
					if !emit(Chunk{ToolCalls: []ToolCallDelta{{
						Index: idx,
						ID:    ev.ContentBlock.ID,
						Name:  ev.ContentBlock.Name,
					}}}) {
						return
					}
				}
			case "content_block_delta":
				var ev anthropicBlockDelta
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					if !emit(Chunk{Content: ev.Delta.Text}) {
						return
					}
				case "thinking_delta":
					if !emit(Chunk{Thinking: ev.Delta.Thinking}) {
						return
					}
				case "input_json_delta":
					idx, ok := toolIndex[ev.Index]
					if !ok {
						continue
					}
					if !emit(Chunk{ToolCalls: []ToolCallDelta{{
						Index:     idx,
						Arguments: ev.Delta.PartialJSON,
					}}}) {
						return
					}
				}
			case "message_delta":
				var ev anthropicMessageDelta
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				chunk := Chunk{FinishReason: translateStopReason(ev.Delta.StopReason)}
				if ev.Usage != nil {
					chunk.Usage = &Usage{
						PromptTokens:     ev.Usage.InputTokens,
						CompletionTokens: ev.Usage.OutputTokens,
						TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
					}
				}
				if !emit(chunk) {
					return
				}
			case "error":
				var ev anthropicErrorEvent
				_ = json.Unmarshal([]byte(data), &ev)
				emit(Chunk{Err: fmt.Errorf("anthropic: %s: %s", ev.Error.Type, ev.Error.Message)})
				return
			case "message_stop":
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(Chunk{Err: fmt.Errorf("anthropic: stream read: %w", err)})
		}
	}()
	return out, nil
}

func translateStopReason(r string) string {
	switch r {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "end_turn":
		return "stop"
	default:
		return r
	}
}

func (p *AnthropicProvider) buildRequestBody(model string, req ChatRequest) map[string]any {
	var system string
	var msgs []map[string]any

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "tool":
			msgs = append(msgs, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		case "assistant":
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, map[string]any{"role": "assistant", "content": m.Content})
				continue
			}
			var blocks []map[string]any
			if m.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := map[string]any{}
				_ = json.Unmarshal([]byte(tc.Arguments), &input)
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			msgs = append(msgs, map[string]any{"role": "assistant", "content": blocks})
		default:
			msgs = append(msgs, map[string]any{"role": m.Role, "content": m.Content})
		}
	}

	body := map[string]any{
		"model":      model,
		"messages":   msgs,
		"stream":     true,
		"max_tokens": 8192,
	}
	if system != "" {
		body["system"] = system
	}
	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": t.Function.Parameters,
			}
		}
		body["tools"] = tools
	}
	return body
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// Wire structs for the Anthropic SSE stream.

type anthropicBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type anthropicBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

package llm

import (
	"bytes"
	"encoding/json"
	"strings"
)

// sseEvent is one parsed "event:"/"data:" frame from an SSE body.
type sseEvent struct {
	eventType string
	data      string
}

// parseSSE splits a raw SSE body into frames delimited by a blank
// line, extracting the event type and joined data lines from each.
// A bare "data: [DONE]" line carries no payload and is dropped.
func parseSSE(body []byte) []sseEvent {
	text := string(body)
	var events []sseEvent

	for _, frame := range strings.Split(text, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}

		var eventType string
		var dataParts []string

		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, ":"):
				// comment / keepalive
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data != "[DONE]" {
					dataParts = append(dataParts, data)
				}
			}
		}

		if len(dataParts) == 0 {
			continue
		}
		events = append(events, sseEvent{eventType: eventType, data: strings.Join(dataParts, "\n")})
	}

	return events
}

// Summary is the extracted shape of a reassembled LLM response, used
// for event logging.
type Summary struct {
	Body         json.RawMessage
	Model        string
	InputTokens  *int64
	OutputTokens *int64
}

// reassembleStream decodes the SSE events for endpoint into a single
// coherent JSON document plus token usage, mirroring the structure the
// provider's non-streaming response would have had.
func reassembleStream(endpointName string, events []sseEvent) Summary {
	switch endpointName {
	case "messages":
		return reassembleAnthropicMessages(events)
	case "chat_completions":
		return reassembleOpenAIChat(events)
	case "responses":
		return reassembleOpenAIResponses(events)
	default:
		return Summary{}
	}
}

func reassembleAnthropicMessages(events []sseEvent) Summary {
	var id, model, stopReason json.RawMessage
	var inputTokens, outputTokens *int64
	var content strings.Builder

	for _, e := range events {
		var parsed map[string]json.RawMessage
		if err := json.Unmarshal([]byte(e.data), &parsed); err != nil {
			continue
		}

		switch e.eventType {
		case "message_start":
			var wrap struct {
				Message struct {
					ID    json.RawMessage `json:"id"`
					Model string          `json:"model"`
					Usage struct {
						InputTokens *int64 `json:"input_tokens"`
					} `json:"usage"`
				} `json:"message"`
			}
			if json.Unmarshal([]byte(e.data), &wrap) == nil {
				id = wrap.Message.ID
				model = json.RawMessage(`"` + wrap.Message.Model + `"`)
				inputTokens = wrap.Message.Usage.InputTokens
			}
		case "content_block_delta":
			var wrap struct {
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(e.data), &wrap) == nil && wrap.Delta.Type == "text_delta" {
				content.WriteString(wrap.Delta.Text)
			}
		case "message_delta":
			var wrap struct {
				Delta struct {
					StopReason json.RawMessage `json:"stop_reason"`
				} `json:"delta"`
				Usage struct {
					OutputTokens *int64 `json:"output_tokens"`
				} `json:"usage"`
			}
			if json.Unmarshal([]byte(e.data), &wrap) == nil {
				if len(wrap.Delta.StopReason) > 0 {
					stopReason = wrap.Delta.StopReason
				}
				outputTokens = wrap.Usage.OutputTokens
			}
		}
	}

	modelStr := rawString(model)
	out := map[string]interface{}{
		"id":          rawOrNull(id),
		"model":       rawOrNull(model),
		"stop_reason": rawOrNull(stopReason),
		"content":     []map[string]string{{"type": "text", "text": content.String()}},
		"usage": map[string]*int64{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	}
	body, _ := json.Marshal(out)

	return Summary{Body: body, Model: modelStr, InputTokens: inputTokens, OutputTokens: outputTokens}
}

func reassembleOpenAIChat(events []sseEvent) Summary {
	var id json.RawMessage
	var model string
	var content strings.Builder
	var finishReason json.RawMessage
	var inputTokens, outputTokens *int64

	for _, e := range events {
		var wrap struct {
			ID      json.RawMessage `json:"id"`
			Model   string          `json:"model"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason json.RawMessage `json:"finish_reason"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     *int64 `json:"prompt_tokens"`
				CompletionTokens *int64 `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(e.data), &wrap); err != nil {
			continue
		}

		if wrap.Model != "" {
			model = wrap.Model
		}
		if len(id) == 0 && len(wrap.ID) > 0 {
			id = wrap.ID
		}
		for _, c := range wrap.Choices {
			content.WriteString(c.Delta.Content)
			if len(c.FinishReason) > 0 && string(c.FinishReason) != "null" {
				finishReason = c.FinishReason
			}
		}
		if wrap.Usage.PromptTokens != nil || wrap.Usage.CompletionTokens != nil {
			inputTokens = wrap.Usage.PromptTokens
			outputTokens = wrap.Usage.CompletionTokens
		}
	}

	out := map[string]interface{}{
		"id":    rawOrNull(id),
		"model": nullableString(model),
		"choices": []map[string]interface{}{{
			"message":       map[string]string{"role": "assistant", "content": content.String()},
			"finish_reason": rawOrNull(finishReason),
		}},
		"usage": map[string]*int64{
			"prompt_tokens":     inputTokens,
			"completion_tokens": outputTokens,
		},
	}
	body, _ := json.Marshal(out)

	return Summary{Body: body, Model: model, InputTokens: inputTokens, OutputTokens: outputTokens}
}

func reassembleOpenAIResponses(events []sseEvent) Summary {
	for _, e := range events {
		if e.eventType != "response.completed" {
			continue
		}

		var wrap struct {
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal([]byte(e.data), &wrap); err != nil {
			continue
		}
		response := wrap.Response
		if len(response) == 0 {
			response = json.RawMessage(e.data)
		}

		var meta struct {
			Model string `json:"model"`
			Usage struct {
				InputTokens  *int64 `json:"input_tokens"`
				OutputTokens *int64 `json:"output_tokens"`
			} `json:"usage"`
		}
		json.Unmarshal(response, &meta)

		return Summary{Body: response, Model: meta.Model, InputTokens: meta.Usage.InputTokens, OutputTokens: meta.Usage.OutputTokens}
	}

	return Summary{}
}

// ProcessResponse parses an upstream LLM response body, reassembling
// SSE streams when contentType indicates text/event-stream.
func ProcessResponse(endpointName, contentType string, body []byte) Summary {
	if strings.Contains(contentType, "text/event-stream") {
		events := parseSSE(body)
		return reassembleStream(endpointName, events)
	}

	var parsed struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens      *int64 `json:"input_tokens"`
			OutputTokens     *int64 `json:"output_tokens"`
			PromptTokens     *int64 `json:"prompt_tokens"`
			CompletionTokens *int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	_ = json.Unmarshal(body, &parsed)

	input := parsed.Usage.InputTokens
	if input == nil {
		input = parsed.Usage.PromptTokens
	}
	output := parsed.Usage.OutputTokens
	if output == nil {
		output = parsed.Usage.CompletionTokens
	}

	return Summary{Body: json.RawMessage(body), Model: parsed.Model, InputTokens: input, OutputTokens: output}
}

// RequestSummary is a lightweight extract of an outbound LLM request
// body, used for the network.llm.request event.
type RequestSummary struct {
	Model        string
	MessageCount *int
	Streaming    *bool
}

// ExtractRequestSummary pulls the model, message/input count, and
// streaming flag out of a request body without fully validating its
// shape — malformed bodies yield a zero-value summary.
func ExtractRequestSummary(endpointName string, body []byte) RequestSummary {
	var parsed struct {
		Model    string          `json:"model"`
		Stream   *bool           `json:"stream"`
		Messages json.RawMessage `json:"messages"`
		Input    json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return RequestSummary{}
	}

	summary := RequestSummary{Model: parsed.Model, Streaming: parsed.Stream}

	switch endpointName {
	case "messages", "chat_completions":
		if n := arrayLen(parsed.Messages); n >= 0 {
			summary.MessageCount = &n
		}
	case "responses":
		switch {
		case len(parsed.Input) > 0 && bytes.HasPrefix(bytes.TrimSpace(parsed.Input), []byte("[")):
			if n := arrayLen(parsed.Input); n >= 0 {
				summary.MessageCount = &n
			}
		case len(parsed.Input) > 0 && bytes.HasPrefix(bytes.TrimSpace(parsed.Input), []byte(`"`)):
			one := 1
			summary.MessageCount = &one
		}
	}

	return summary
}

func arrayLen(raw json.RawMessage) int {
	if len(raw) == 0 {
		return -1
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return -1
	}
	return len(arr)
}

func rawOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	json.Unmarshal(raw, &v)
	return v
}

func rawString(raw json.RawMessage) string {
	var s string
	json.Unmarshal(raw, &s)
	return s
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyStore(pairs ...string) *KeyStore {
	keys := make(map[string]string)
	for i := 0; i+1 < len(pairs); i += 2 {
		keys[pairs[i]] = pairs[i+1]
	}
	return &KeyStore{keys: keys}
}

func TestDetectAnthropicMessages(t *testing.T) {
	ks := keyStore("anthropic", "sk-ant-test")
	det, ok := Detect("api.anthropic.com", "/v1/messages", ks)
	require.True(t, ok)
	assert.Equal(t, "anthropic", det.Provider)
	assert.Equal(t, "messages", det.Endpoint)
	assert.Equal(t, "x-api-key", det.StripHeader)
	assert.Equal(t, "x-api-key", det.InjectHeaderName)
	assert.Equal(t, "sk-ant-test", det.InjectHeaderValue)
}

func TestDetectAnthropicWithPort(t *testing.T) {
	ks := keyStore("anthropic", "sk-ant-test")
	det, ok := Detect("api.anthropic.com:443", "/v1/messages", ks)
	require.True(t, ok)
	assert.Equal(t, "messages", det.Endpoint)
}

func TestDetectOpenAIChat(t *testing.T) {
	ks := keyStore("openai", "sk-openai-test")
	det, ok := Detect("api.openai.com", "/v1/chat/completions", ks)
	require.True(t, ok)
	assert.Equal(t, "chat_completions", det.Endpoint)
	assert.Equal(t, "authorization", det.InjectHeaderName)
	assert.Equal(t, "Bearer sk-openai-test", det.InjectHeaderValue)
}

func TestDetectOpenAIResponses(t *testing.T) {
	ks := keyStore("openai", "sk-openai-test")
	det, ok := Detect("api.openai.com", "/v1/responses", ks)
	require.True(t, ok)
	assert.Equal(t, "responses", det.Endpoint)
}

func TestDetectUnknownEndpoint(t *testing.T) {
	ks := keyStore("anthropic", "sk-ant-test")
	det, ok := Detect("api.anthropic.com", "/v2/something", ks)
	require.True(t, ok)
	assert.Equal(t, "unknown", det.Endpoint)
}

func TestDetectNoKeyPassthrough(t *testing.T) {
	ks := keyStore()
	det, ok := Detect("api.anthropic.com", "/v1/messages", ks)
	require.True(t, ok)
	assert.Empty(t, det.StripHeader)
	assert.Empty(t, det.InjectHeaderName)
}

func TestDetectNonLLMHost(t *testing.T) {
	ks := keyStore("anthropic", "sk-ant-test")
	_, ok := Detect("example.com", "/v1/messages", ks)
	assert.False(t, ok)
}

func TestParseSSEAnthropicFormat(t *testing.T) {
	body := []byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: content_block_delta\ndata: {\"delta\":{\"text\":\"hello\"}}\n\n" +
		"event: message_delta\ndata: {\"delta\":{}}\n\n")
	events := parseSSE(body)
	require.Len(t, events, 3)
	assert.Equal(t, "message_start", events[0].eventType)
	assert.Equal(t, "content_block_delta", events[1].eventType)
	assert.Equal(t, "message_delta", events[2].eventType)
}

func TestParseSSEOpenAIChatFormat(t *testing.T) {
	body := []byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}\n\n" +
		"data: [DONE]\n\n")
	events := parseSSE(body)
	require.Len(t, events, 2)
	assert.Empty(t, events[0].eventType)
}

func TestParseSSEWithComments(t *testing.T) {
	body := []byte(": keepalive\n\ndata: {\"test\": true}\n\n")
	events := parseSSE(body)
	require.Len(t, events, 1)
	assert.Equal(t, `{"test": true}`, events[0].data)
}

func TestReassembleAnthropicStream(t *testing.T) {
	events := []sseEvent{
		{eventType: "message_start", data: `{"message":{"id":"msg_01","model":"claude-sonnet-4-20250514","usage":{"input_tokens":150}}}`},
		{eventType: "content_block_delta", data: `{"delta":{"type":"text_delta","text":"Hello "}}`},
		{eventType: "content_block_delta", data: `{"delta":{"type":"text_delta","text":"world"}}`},
		{eventType: "message_delta", data: `{"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":85}}`},
	}

	s := reassembleStream("messages", events)
	assert.Equal(t, "claude-sonnet-4-20250514", s.Model)
	require.NotNil(t, s.InputTokens)
	assert.EqualValues(t, 150, *s.InputTokens)
	require.NotNil(t, s.OutputTokens)
	assert.EqualValues(t, 85, *s.OutputTokens)
	assert.Contains(t, string(s.Body), "Hello world")
}

func TestReassembleOpenAIChatStream(t *testing.T) {
	events := []sseEvent{
		{data: `{"id":"chatcmpl-01","model":"gpt-4o","choices":[{"delta":{"role":"assistant","content":"Hi"}}]}`},
		{data: `{"id":"chatcmpl-01","model":"gpt-4o","choices":[{"delta":{"content":" there"}}]}`},
		{data: `{"id":"chatcmpl-01","model":"gpt-4o","choices":[{"delta":{},"finish_reason":"stop"}]}`},
		{data: `{"id":"chatcmpl-01","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5}}`},
	}

	s := reassembleStream("chat_completions", events)
	assert.Equal(t, "gpt-4o", s.Model)
	require.NotNil(t, s.InputTokens)
	assert.EqualValues(t, 10, *s.InputTokens)
	require.NotNil(t, s.OutputTokens)
	assert.EqualValues(t, 5, *s.OutputTokens)
	assert.Contains(t, string(s.Body), "Hi there")
}

func TestReassembleOpenAIResponsesStream(t *testing.T) {
	events := []sseEvent{
		{eventType: "response.output_text.delta", data: `{"delta":"Hello"}`},
		{eventType: "response.completed", data: `{"response":{"id":"resp_01","model":"gpt-4o","output":[{"type":"message","content":[{"type":"output_text","text":"Hello world"}]}],"usage":{"input_tokens":20,"output_tokens":10}}}`},
	}

	s := reassembleStream("responses", events)
	assert.Equal(t, "gpt-4o", s.Model)
	require.NotNil(t, s.InputTokens)
	assert.EqualValues(t, 20, *s.InputTokens)
	require.NotNil(t, s.OutputTokens)
	assert.EqualValues(t, 10, *s.OutputTokens)
	assert.Contains(t, string(s.Body), "output")
}

func TestExtractSummaryAnthropic(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"},{"role":"user","content":"bye"}],"stream":true}`)
	s := ExtractRequestSummary("messages", body)
	assert.Equal(t, "claude-sonnet-4-20250514", s.Model)
	require.NotNil(t, s.MessageCount)
	assert.Equal(t, 3, *s.MessageCount)
	require.NotNil(t, s.Streaming)
	assert.True(t, *s.Streaming)
}

func TestExtractSummaryOpenAIChat(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}],"stream":false}`)
	s := ExtractRequestSummary("chat_completions", body)
	assert.Equal(t, "gpt-4o", s.Model)
	require.NotNil(t, s.MessageCount)
	assert.Equal(t, 1, *s.MessageCount)
	require.NotNil(t, s.Streaming)
	assert.False(t, *s.Streaming)
}

func TestExtractSummaryOpenAIResponsesArray(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","input":[{"role":"user","content":"hello"},{"role":"user","content":"world"}]}`)
	s := ExtractRequestSummary("responses", body)
	assert.Equal(t, "gpt-4o", s.Model)
	require.NotNil(t, s.MessageCount)
	assert.Equal(t, 2, *s.MessageCount)
	assert.Nil(t, s.Streaming)
}

func TestExtractSummaryOpenAIResponsesString(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","input":"hello"}`)
	s := ExtractRequestSummary("responses", body)
	require.NotNil(t, s.MessageCount)
	assert.Equal(t, 1, *s.MessageCount)
}

func TestProcessAnthropicNonStreaming(t *testing.T) {
	body := []byte(`{"id":"msg_01","model":"claude-sonnet-4-20250514","content":[{"type":"text","text":"Hello"}],"usage":{"input_tokens":100,"output_tokens":50}}`)
	s := ProcessResponse("messages", "application/json", body)
	assert.Equal(t, "claude-sonnet-4-20250514", s.Model)
	require.NotNil(t, s.InputTokens)
	assert.EqualValues(t, 100, *s.InputTokens)
	require.NotNil(t, s.OutputTokens)
	assert.EqualValues(t, 50, *s.OutputTokens)
	assert.Contains(t, string(s.Body), "content")
}

func TestProcessOpenAINonStreaming(t *testing.T) {
	body := []byte(`{"id":"chatcmpl-01","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"Hi"}}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`)
	s := ProcessResponse("chat_completions", "application/json", body)
	assert.Equal(t, "gpt-4o", s.Model)
	require.NotNil(t, s.InputTokens)
	assert.EqualValues(t, 10, *s.InputTokens)
	require.NotNil(t, s.OutputTokens)
	assert.EqualValues(t, 5, *s.OutputTokens)
}

// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ExhaustedNotice is the in-band message returned instead of a model reply
// when the caller's credit balance is empty. It ships in the exact response
// shape the provider SDK expects, never as a protocol error the SDK would
// fail to parse. Existing clients keep working while the user tops up.
const ExhaustedNotice = "You're out of ClawGate credits. Top up your balance at your dashboard to keep going."

// WriteExhausted synthesizes a credits-exhausted response for the provider,
// streamed or not, always with zero usage and HTTP 200.
func WriteExhausted(w http.ResponseWriter, p *Provider, stream bool) {
	switch p.Name {
	case "anthropic":
		if stream {
			writeAnthropicExhaustedStream(w)
		} else {
			writeJSON(w, anthropicExhaustedMessage())
		}
	case "openai":
		if stream {
			writeOpenAIExhaustedStream(w)
		} else {
			writeJSON(w, openAIExhaustedCompletion())
		}
	default:
		writeJSON(w, map[string]interface{}{"message": ExhaustedNotice})
	}
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func anthropicExhaustedMessage() map[string]interface{} {
	return map[string]interface{}{
		"id":   "msg_credits_exhausted",
		"type": "message",
		"role": "assistant",
		"content": []map[string]interface{}{
			{"type": "text", "text": ExhaustedNotice},
		},
		"model":         "",
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
	}
}

func openAIExhaustedCompletion() map[string]interface{} {
	return map[string]interface{}{
		"id":      "chatcmpl-credits-exhausted",
		"object":  "chat.completion",
		"created": 0,
		"model":   "",
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": ExhaustedNotice},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0},
	}
}

func writeAnthropicExhaustedStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	events := []struct {
		name string
		data interface{}
	}{
		{"message_start", map[string]interface{}{
			"type": "message_start",
			"message": map[string]interface{}{
				"id": "msg_credits_exhausted", "type": "message", "role": "assistant",
				"content": []interface{}{}, "model": "",
				"usage": map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}},
		{"content_block_start", map[string]interface{}{
			"type": "content_block_start", "index": 0,
			"content_block": map[string]string{"type": "text", "text": ""},
		}},
		{"content_block_delta", map[string]interface{}{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]string{"type": "text_delta", "text": ExhaustedNotice},
		}},
		{"content_block_stop", map[string]interface{}{"type": "content_block_stop", "index": 0}},
		{"message_delta", map[string]interface{}{
			"type":  "message_delta",
			"delta": map[string]interface{}{"stop_reason": "end_turn", "stop_sequence": nil},
			"usage": map[string]int{"output_tokens": 0},
		}},
		{"message_stop", map[string]interface{}{"type": "message_stop"}},
	}

	flusher, _ := w.(http.Flusher)
	for _, ev := range events {
		data, _ := json.Marshal(ev.data)
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data)
	}
	if flusher != nil {
		flusher.Flush()
	}
}

func writeOpenAIExhaustedStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	chunks := []map[string]interface{}{
		{
			"id": "chatcmpl-credits-exhausted", "object": "chat.completion.chunk",
			"created": 0, "model": "",
			"choices": []map[string]interface{}{
				{"index": 0, "delta": map[string]string{"role": "assistant", "content": ExhaustedNotice}, "finish_reason": nil},
			},
		},
		{
			"id": "chatcmpl-credits-exhausted", "object": "chat.completion.chunk",
			"created": 0, "model": "",
			"choices": []map[string]interface{}{
				{"index": 0, "delta": map[string]interface{}{}, "finish_reason": "stop"},
			},
		},
	}

	flusher, _ := w.(http.Flusher)
	for _, chunk := range chunks {
		data, _ := json.Marshal(chunk)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lamim/chapterforge/internal/config"
)

const maxStreamLine = 1 << 20

// ChatCompletionStream sends a streaming chat completion request and calls
// onDelta for every content or reasoning delta, in arrival order. The
// assembled response is returned once the stream ends.
//
// Failed attempts are retried only while nothing has been delivered to
// onDelta, so a caller never sees the same text twice.
func (c *Client) ChatCompletionStream(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
	onDelta func(StreamDelta),
) (*ChatCompletionResponse, error) {
	req := c.buildRequest(modelCfg, messages, true)

	delivered := false
	emit := func(d StreamDelta) {
		delivered = true
		if onDelta != nil {
			onDelta(d)
		}
	}

	var resp *ChatCompletionResponse
	err := c.withRetry(ctx, modelCfg, func() bool { return !delivered }, func(ctx context.Context) error {
		var err error
		resp, err = c.doStreamingRequest(ctx, modelCfg, apiKey, req, emit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) doStreamingRequest(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	req ChatCompletionRequest,
	emit func(StreamDelta),
) (*ChatCompletionResponse, error) {
	httpResp, err := c.post(ctx, modelCfg.BaseURL, apiKey, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var responseContent strings.Builder
	var reasoningContent strings.Builder
	var responseID, responseModel, finishReason string
	var responseCreated int64
	sawDone := false

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk StreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("Failed to parse stream chunk", "error", err, "data", data)
			continue
		}

		if responseID == "" {
			responseID = chunk.ID
			responseModel = chunk.Model
			responseCreated = chunk.Created
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" || choice.Delta.ReasoningContent != "" {
			responseContent.WriteString(choice.Delta.Content)
			reasoningContent.WriteString(choice.Delta.ReasoningContent)
			emit(choice.Delta)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, transportError(fmt.Errorf("stream reading error: %w", err))
	}
	if !sawDone && finishReason == "" && responseContent.Len() == 0 {
		return nil, &APIError{
			Kind:      KindMalformedOutput,
			Message:   "stream ended without content",
			Retryable: true,
		}
	}

	if reasoningContent.Len() > 0 {
		c.logger.Debug("Reasoning content detected",
			"model", responseModel,
			"reasoning_length", reasoningContent.Len(),
			"content_length", responseContent.Len())
	}

	return &ChatCompletionResponse{
		ID:      responseID,
		Object:  "chat.completion",
		Created: responseCreated,
		Model:   responseModel,
		Choices: []Choice{
			{
				Message: Message{
					Role:             "assistant",
					Content:          responseContent.String(),
					ReasoningContent: reasoningContent.String(),
				},
				FinishReason: finishReason,
			},
		},
	}, nil
}

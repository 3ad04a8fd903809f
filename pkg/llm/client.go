package llm

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

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Client OpenAI 兼容补全服务的 HTTP 客户端
type Client struct {
	config     *Config
	httpClient *http.Client
	// streamClient 不设整体超时，流的生命周期由调用方 ctx 控制
	streamClient *http.Client
	logger       *logrus.Logger
}

var _ Provider = (*Client)(nil)

// NewClient 创建补全客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	transport := otelhttp.NewTransport(http.DefaultTransport)
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		streamClient: &http.Client{
			Transport: transport,
		},
		logger: logger,
	}
}

// Complete 单次补全调用，失败时按配置重试
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	tracer := otel.Tracer("aiops/llm")
	ctx, span := tracer.Start(ctx, "llm.Complete")
	span.SetAttributes(attribute.String("model", c.config.Model))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("Completion retry attempt %d/%d", attempt, c.config.MaxRetries)
		}

		text, err := c.complete(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return "", lastErr
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body := chatRequest{
		Model:       c.config.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	}

	req, err := c.createRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode completion response [%d]: %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("completion API error [%d]: %s", resp.StatusCode, parsed.Error.Message)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("completion API error [%d]: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if len(parsed.Choices) == 0 {
		return "", ErrNoChoices
	}

	return parsed.Choices[0].Message.Content, nil
}

// Stream 流式补全。返回的通道在流结束或出错后关闭；
// 流不可重放，失败不重试。
func (c *Client) Stream(ctx context.Context, prompt string) (<-chan StreamEvent, error) {
	body := chatRequest{
		Model:       c.config.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
		Stream:      true,
	}

	req, err := c.createRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("completion API error [%d]: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	events := make(chan StreamEvent)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream 解析 SSE 响应体并将增量推入通道
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			if data == "[DONE]" {
				return
			}
			continue
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			emit(StreamEvent{Err: fmt.Errorf("decode stream chunk: %w", err)})
			return
		}
		if chunk.Error != nil {
			emit(StreamEvent{Err: fmt.Errorf("completion API error: %s", chunk.Error.Message)})
			return
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !emit(StreamEvent{Text: choice.Delta.Content}) {
					return
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		emit(StreamEvent{Err: fmt.Errorf("read stream: %w", err)})
	}
}

// EmbeddingModel 返回向量化使用的模型名
func (c *Client) EmbeddingModel() string {
	return c.config.EmbeddingModel
}

// Embed 生成文本向量
func (c *Client) Embed(ctx context.Context, input string) ([]float64, error) {
	body := embeddingRequest{
		Model: c.config.EmbeddingModel,
		Input: input,
	}

	req, err := c.createRequest(ctx, http.MethodPost, "/embeddings", body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response [%d]: %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("embedding API error [%d]: %s", resp.StatusCode, parsed.Error.Message)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}

	return parsed.Data[0].Embedding, nil
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	url := fmt.Sprintf("%s%s", strings.TrimSuffix(c.config.BaseURL, "/"), endpoint)

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	return req, nil
}

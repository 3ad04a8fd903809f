package llm

import (
	"context"
	"errors"
	"time"
)

// ErrNoChoices 模型返回了空的 choices 列表
var ErrNoChoices = errors.New("no response choices from completion service")

// Provider 外部大模型补全能力的抽象。
// Stream 返回的序列是有限且不可重放的；调用方必须读到通道关闭为止。
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string) (<-chan StreamEvent, error)
	Embed(ctx context.Context, input string) ([]float64, error)
}

// StreamEvent 流式补全的一个事件：要么携带一段文本，要么携带错误。
// 出现 Err 后通道随即关闭。
type StreamEvent struct {
	Text string
	Err  error
}

// Config 补全客户端配置
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// DefaultConfig 返回默认客户端配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "https://api.openai.com/v1",
		Model:          "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		Temperature:    0.7,
		MaxTokens:      1000,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Second,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

// 流式响应的单个 data 帧
type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

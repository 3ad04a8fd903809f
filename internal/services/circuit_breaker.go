package services

import (
	"context"
	"sync"
	"time"

	"aiops/internal/metrics"
	"aiops/pkg/llm"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // 正常
	CircuitOpen                         // 熔断
	CircuitHalfOpen                     // 试探
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	MaxFailures     int
	ResetTimeout    time.Duration
	HalfOpenMaxReqs int
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxFailures:     5,
		ResetTimeout:    60 * time.Second,
		HalfOpenMaxReqs: 3,
	}
}

// BreakerProvider 在补全 Provider 外包一层熔断：
// 上游连续失败达到阈值后，后续调用在 ResetTimeout 内直接返回 ErrCircuitOpen。
type BreakerProvider struct {
	inner  llm.Provider
	config *BreakerConfig

	mutex        sync.Mutex
	state        CircuitState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
}

var _ llm.Provider = (*BreakerProvider)(nil)

// NewBreakerProvider 创建带熔断的 Provider
func NewBreakerProvider(inner llm.Provider, config *BreakerConfig) *BreakerProvider {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	b := &BreakerProvider{
		inner:  inner,
		config: config,
	}
	b.setState(CircuitClosed)
	return b
}

// setState 切换状态并同步指标，调用方须持有锁（构造时除外）
func (b *BreakerProvider) setState(s CircuitState) {
	b.state = s
	metrics.CircuitBreakerState.Set(float64(s))
}

func (b *BreakerProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if !b.allow() {
		return "", ErrCircuitOpen
	}
	text, err := b.inner.Complete(ctx, prompt)
	b.record(err)
	return text, err
}

func (b *BreakerProvider) Stream(ctx context.Context, prompt string) (<-chan llm.StreamEvent, error) {
	if !b.allow() {
		return nil, ErrCircuitOpen
	}
	// 只把建立流的失败计入熔断；流中途的错误由调用方处理
	events, err := b.inner.Stream(ctx, prompt)
	b.record(err)
	return events, err
}

func (b *BreakerProvider) Embed(ctx context.Context, input string) ([]float64, error) {
	if !b.allow() {
		return nil, ErrCircuitOpen
	}
	vec, err := b.inner.Embed(ctx, input)
	b.record(err)
	return vec, err
}

// EmbeddingModel 透传内层提供方的向量模型名
func (b *BreakerProvider) EmbeddingModel() string {
	if named, ok := b.inner.(interface{ EmbeddingModel() string }); ok {
		return named.EmbeddingModel()
	}
	return ""
}

// allow 检查是否允许请求通过，并做必要的状态迁移
func (b *BreakerProvider) allow() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(b.lastFailTime) > b.config.ResetTimeout {
			b.setState(CircuitHalfOpen)
			b.halfOpenReqs = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if b.halfOpenReqs < b.config.HalfOpenMaxReqs {
			b.halfOpenReqs++
			return true
		}
		return false
	default:
		return false
	}
}

func (b *BreakerProvider) record(err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err == nil {
		switch b.state {
		case CircuitClosed:
			b.failureCount = 0
		case CircuitHalfOpen:
			b.setState(CircuitClosed)
			b.failureCount = 0
			b.halfOpenReqs = 0
		}
		return
	}

	b.failureCount++
	b.lastFailTime = time.Now()
	switch b.state {
	case CircuitClosed:
		if b.failureCount >= b.config.MaxFailures {
			b.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.setState(CircuitOpen)
		b.halfOpenReqs = 0
	}
}

// State 当前熔断器状态
func (b *BreakerProvider) State() CircuitState {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// Reset 手动重置熔断器
func (b *BreakerProvider) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.setState(CircuitClosed)
	b.failureCount = 0
	b.halfOpenReqs = 0
}

// Stats 熔断器统计信息
func (b *BreakerProvider) Stats() map[string]interface{} {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return map[string]interface{}{
		"state":         b.state.String(),
		"failure_count": b.failureCount,
		"last_fail_time": func() string {
			if b.lastFailTime.IsZero() {
				return ""
			}
			return b.lastFailTime.Format(time.RFC3339)
		}(),
		"max_failures":  b.config.MaxFailures,
		"reset_timeout": b.config.ResetTimeout.String(),
	}
}

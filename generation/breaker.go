package generation

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// ErrBackendUnavailable 后端连续失败后熔断，暂时拒绝新的生成调用
var ErrBackendUnavailable = errors.New("generation backend unavailable")

// BreakerConfig 熔断配置
type BreakerConfig struct {
	// 半开状态下允许通过的探测请求数
	MaxRequests uint32 `json:"max_requests" yaml:"max_requests"`
	// 熔断打开后多久进入半开
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
	// 连续失败多少次后熔断
	ConsecutiveFailures uint32 `json:"consecutive_failures" yaml:"consecutive_failures"`
}

// DefaultBreakerConfig 默认熔断配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerGenerator wraps a Generator with a circuit breaker so that a
// persistently failing backend sheds load instead of stalling every run.
// A rejected call surfaces as a normal GenerationFailure slot outcome.
type BreakerGenerator struct {
	inner   Generator
	breaker *gobreaker.CircuitBreaker[string]
	logger  *zap.Logger
}

// NewBreakerGenerator 创建带熔断的生成器
func NewBreakerGenerator(inner Generator, cfg BreakerConfig, logger *zap.Logger) *BreakerGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "breaker_generator"))

	settings := gobreaker.Settings{
		Name:        "generation-backend",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &BreakerGenerator{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[string](settings),
		logger:  logger,
	}
}

// Generate implements Generator.
func (g *BreakerGenerator) Generate(ctx context.Context, agent types.Agent, conv Context) (string, error) {
	text, err := g.breaker.Execute(func() (string, error) {
		return g.inner.Generate(ctx, agent, conv)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", types.NewError(types.ErrCodeGenerationFailed, "backend circuit open").
			WithAgent(agent.ID).
			WithCause(ErrBackendUnavailable)
	}
	return text, err
}

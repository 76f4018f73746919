package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCallTimeout bounds a single model call, including the stream.
const DefaultCallTimeout = 120 * time.Second

// ModelConfig selects a model on a registered provider.
type ModelConfig struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	FallbackModel string  `json:"fallback_model,omitempty"`
	Temperature   float64 `json:"temperature"`
}

func (c ModelConfig) key() string {
	return c.Provider + "|" + c.Model + "|" + c.FallbackModel
}

// Model is an initialized model that is known to answer.
type Model struct {
	provider Provider
	name     string
	fallback bool
	timeout  time.Duration
}

// Name returns the model actually in use.
func (m *Model) Name() string { return m.name }

// Provider returns the provider ID serving the model.
func (m *Model) Provider() string { return m.provider.ID() }

// UsedFallback reports whether the fallback model replaced the configured one.
func (m *Model) UsedFallback() bool { return m.fallback }

// CompleteOptions are per-call generation settings.
type CompleteOptions struct {
	Temperature float64
	Stop        []string
	MaxTokens   int
}

// Complete streams a completion and passes every fragment to sink in arrival
// order. It returns the concatenated text. A nil sink is allowed.
func (m *Model) Complete(ctx context.Context, msgs []Message, opts CompleteOptions, sink func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	ch, err := m.provider.ChatStream(ctx, &ChatRequest{
		Model:       m.name,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.Stop,
	})
	if err != nil {
		return "", fmt.Errorf("model %s: %w", m.name, err)
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return sb.String(), fmt.Errorf("model %s: %w", m.name, chunk.Err)
		}
		if chunk.Content != "" {
			sb.WriteString(chunk.Content)
			if sink != nil {
				sink(chunk.Content)
			}
		}
		if chunk.Done {
			return sb.String(), nil
		}
	}
	// The stream goroutine only closes without a Done chunk when ctx ended.
	if err := ctx.Err(); err != nil {
		return sb.String(), fmt.Errorf("model %s: %w", m.name, err)
	}
	return sb.String(), nil
}

// Initializer probes models before first use and remembers the ones that
// answered.
type Initializer struct {
	router  *Router
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	models map[string]*Model
	flight singleflight.Group
}

// NewInitializer creates an initializer over the router's providers.
// timeout bounds each model call made through the returned models.
func NewInitializer(router *Router, timeout time.Duration, logger *zap.Logger) *Initializer {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Initializer{
		router:  router,
		timeout: timeout,
		logger:  logger,
		models:  make(map[string]*Model),
	}
}

// Init returns a usable model for cfg. When the configured model is
// decommissioned it tries the fallback model exactly once; without a
// fallback it fails with an *InitError marked Decommissioned.
func (in *Initializer) Init(ctx context.Context, cfg ModelConfig) (*Model, error) {
	if cfg.Model == "" {
		return nil, &InitError{Err: errors.New("no model configured")}
	}
	if cfg.Provider == "" {
		cfg.Provider = in.router.DefaultID()
	}
	key := cfg.key()

	in.mu.RLock()
	m, ok := in.models[key]
	in.mu.RUnlock()
	if ok {
		return m, nil
	}

	// The probe is shared by every waiter, so it must not end with the
	// first caller's context. in.timeout still bounds it.
	probeCtx := context.WithoutCancel(ctx)
	ch := in.flight.DoChan(key, func() (interface{}, error) {
		m, err := in.initModel(probeCtx, cfg)
		if err != nil {
			return nil, err
		}
		in.mu.Lock()
		in.models[key] = m
		in.mu.Unlock()
		return m, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Model), nil
	}
}

func (in *Initializer) initModel(ctx context.Context, cfg ModelConfig) (*Model, error) {
	p, err := in.router.Resolve(cfg.Provider)
	if err != nil {
		return nil, &InitError{Model: cfg.Model, Err: err}
	}

	err = in.probe(ctx, p, cfg.Model, cfg.Temperature)
	if err == nil {
		in.logger.Info("model initialized", zap.String("provider", p.ID()), zap.String("model", cfg.Model))
		return &Model{provider: p, name: cfg.Model, timeout: in.timeout}, nil
	}
	if !errors.Is(err, ErrModelDecommissioned) {
		return nil, &InitError{Model: cfg.Model, Err: err}
	}
	if cfg.FallbackModel == "" {
		return nil, &InitError{Model: cfg.Model, Decommissioned: true, Err: err}
	}

	in.logger.Warn("model decommissioned, trying fallback",
		zap.String("model", cfg.Model), zap.String("fallback", cfg.FallbackModel))
	if err := in.probe(ctx, p, cfg.FallbackModel, cfg.Temperature); err != nil {
		return nil, &InitError{
			Model:          cfg.Model,
			Fallback:       cfg.FallbackModel,
			Decommissioned: errors.Is(err, ErrModelDecommissioned),
			Err:            err,
		}
	}
	in.logger.Info("fallback model initialized",
		zap.String("provider", p.ID()), zap.String("model", cfg.FallbackModel))
	return &Model{provider: p, name: cfg.FallbackModel, fallback: true, timeout: in.timeout}, nil
}

// probe sends a one-token chat to check the model answers.
func (in *Initializer) probe(ctx context.Context, p Provider, model string, temperature float64) error {
	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()
	_, err := p.Chat(ctx, &ChatRequest{
		Model:       model,
		Messages:    []Message{{Role: "user", Content: "ping"}},
		Temperature: temperature,
		MaxTokens:   1,
	})
	return err
}

// Forget drops memoized models, forcing the next Init to probe again.
func (in *Initializer) Forget() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.models = make(map[string]*Model)
}

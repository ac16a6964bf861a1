// Package ratelimit admits or rejects mutations per acting user against a shared counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxCount is the number of admissions per subject per window.
	DefaultMaxCount = 3
	// DefaultWindow is the length of one admission window.
	DefaultWindow = time.Minute

	minimumRetryAfter = time.Millisecond
)

var (
	ErrMissingStore   = errors.New("ratelimit: counter store required")
	ErrInvalidConfig  = errors.New("ratelimit: max count and window must be positive")
	ErrMissingSubject = errors.New("ratelimit: subject required")
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// CounterStore performs an atomic check-and-increment for a subject within a window.
type CounterStore interface {
	CheckAndIncrement(ctx context.Context, subjectID string, window time.Duration, maxCount int) (Decision, error)
}

// DecisionRecorder observes admission outcomes.
type DecisionRecorder interface {
	RecordRateLimitDecision(allowed bool)
}

type GateConfig struct {
	Store    CounterStore
	MaxCount int
	Window   time.Duration
	Recorder DecisionRecorder
	Logger   *zap.Logger
}

// Gate is the process-wide admission check for mutations.
type Gate struct {
	store    CounterStore
	maxCount int
	window   time.Duration
	recorder DecisionRecorder
	logger   *zap.Logger
}

// NewGate validates the configuration. Zero values fall back to DefaultMaxCount and
// DefaultWindow.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	maxCount := cfg.MaxCount
	if maxCount == 0 {
		maxCount = DefaultMaxCount
	}
	window := cfg.Window
	if window == 0 {
		window = DefaultWindow
	}
	if maxCount < 0 || window < 0 {
		return nil, ErrInvalidConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:    cfg.Store,
		maxCount: maxCount,
		window:   window,
		recorder: cfg.Recorder,
		logger:   logger,
	}, nil
}

// Admit performs a single check-and-increment for subjectID. It is never retried; a denied
// decision always carries a positive RetryAfter.
func (g *Gate) Admit(ctx context.Context, subjectID string) (Decision, error) {
	subject := strings.TrimSpace(subjectID)
	if subject == "" {
		return Decision{}, ErrMissingSubject
	}

	decision, err := g.store.CheckAndIncrement(ctx, subject, g.window, g.maxCount)
	if err != nil {
		g.logger.Error("rate limit check failed", zap.String("subject_id", subject), zap.Error(err))
		return Decision{}, fmt.Errorf("ratelimit: check %s: %w", subject, err)
	}
	if !decision.Allowed {
		if decision.RetryAfter < minimumRetryAfter {
			decision.RetryAfter = minimumRetryAfter
		}
		decision.Remaining = 0
		g.logger.Info("rate limit exceeded",
			zap.String("subject_id", subject),
			zap.Duration("retry_after", decision.RetryAfter))
	}
	if g.recorder != nil {
		g.recorder.RecordRateLimitDecision(decision.Allowed)
	}
	return decision, nil
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"docrelay/internal/domain"
)

// Failover tries completers in order and returns the first success. Each
// backend is called at most once per request.
type Failover struct {
	completers []domain.Completer
	logger     *slog.Logger
}

func NewFailover(completers []domain.Completer, logger *slog.Logger) *Failover {
	return &Failover{completers: completers, logger: logger}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.completers))
	for i, c := range f.completers {
		names[i] = c.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (f *Failover) Healthy(ctx context.Context) error {
	for _, c := range f.completers {
		if err := c.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy completer in failover chain")
}

func (f *Failover) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	if len(f.completers) == 0 {
		return nil, errors.New("failover chain is empty")
	}
	var lastErr error
	for i, c := range f.completers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := c.Complete(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover: used fallback completer", "completer", c.Name(), "attempt", i+1)
			}
			return resp, nil
		}
		lastErr = err
		f.logger.Warn("failover: completer failed, trying next",
			"completer", c.Name(),
			"attempt", i+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("all completers in failover chain failed: %w", lastErr)
}

package media

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps expired assets from the store.
type Janitor struct {
	store     *AssetStore
	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewJanitor schedules Sweep on a cron spec such as "@every 30m" or
// "0 * * * *".
func NewJanitor(store *AssetStore, schedule string, retention time.Duration, logger *slog.Logger) (*Janitor, error) {
	j := &Janitor{
		store:     store,
		retention: retention,
		cron:      cron.New(cron.WithLogger(cronLogger{logger}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger}))),
		logger:    logger,
	}
	if _, err := j.cron.AddFunc(schedule, j.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return j, nil
}

// RunOnce sweeps immediately.
func (j *Janitor) RunOnce() {
	if _, err := j.store.Sweep(j.retention); err != nil {
		j.logger.Warn("media sweep incomplete", "err", err)
	}
}

// Start runs the schedule until ctx is done, then waits for a running sweep
// to finish.
func (j *Janitor) Start(ctx context.Context) error {
	j.logger.Info("media janitor started", "retention", j.retention)
	j.cron.Start()
	<-ctx.Done()
	<-j.cron.Stop().Done()
	j.logger.Info("media janitor stopped")
	return nil
}

// cronLogger routes cron's logging into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]any{"err", err}, keysAndValues...)...)
}

package playback

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/bonk/pkg/bonk/util"
)

// DefaultPollInterval is how often playback positions are refreshed
const DefaultPollInterval = 250 * time.Millisecond

// ProgressTargets is what the poller reads from and writes back to
type ProgressTargets interface {
	// ProgressTargets maps session ids to the control socket to query
	ProgressTargets() map[string]string
	ApplyProgress(updates map[string]float64)
}

// QueryFunc asks one player for its position in [0,1]
type QueryFunc func(ctx context.Context, socketPath string) (float64, error)

// Poller refreshes the progress of every live session on a fixed interval.
// The player offers no push notifications, so this is the only source of progress
type Poller struct {
	logger   *zap.SugaredLogger
	targets  ProgressTargets
	query    QueryFunc
	interval time.Duration
}

func NewPoller(logger *zap.SugaredLogger, targets ProgressTargets, query QueryFunc, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Poller{
		logger:   logger.Named("poller"),
		targets:  targets,
		query:    query,
		interval: interval,
	}
}

// Run polls until ctx is cancelled
func (p *Poller) Run(ctx context.Context) {
	p.logger.Debugw("Progress poller starting", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Progress poller stopped")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs a single tick and returns how many sessions got a new position
func (p *Poller) Poll(ctx context.Context) int {
	targets := p.targets.ProgressTargets()
	if len(targets) == 0 {
		return 0
	}

	updates := make(map[string]float64, len(targets))

	for id, socket := range targets {
		if !util.PathExists(socket) {
			continue
		}

		queryCtx, cancel := context.WithTimeout(ctx, p.interval)
		progress, err := p.query(queryCtx, socket)
		cancel()

		if err != nil {
			p.logger.Debugw("No progress for session", "id", id, "error", err)
			continue
		}

		updates[id] = progress
	}

	if len(updates) > 0 {
		p.targets.ApplyProgress(updates)
	}

	return len(updates)
}

package attachment

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultSweepInterval = time.Minute

// Sweep revokes expired references every interval until ctx is done. It
// returns immediately when the manager has no TTL.
func (m *Manager) Sweep(ctx context.Context, interval time.Duration) error {
	if m.ttl <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.sweepExpired(ctx); err != nil {
				m.logger.Warn("sweep expired attachments", zap.Error(err))
			}
		}
	}
}

func (m *Manager) sweepExpired(ctx context.Context) error {
	refs, err := m.registry.expired(ctx, m.now().UTC())
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	m.logger.Info("revoking expired attachments", zap.Int("count", len(refs)))
	return m.Release(ctx, refs...)
}

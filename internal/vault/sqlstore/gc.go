package sqlstore

import (
	"context"
	"time"
)

// RunGarbageCollector runs Store.GarbageCollect on interval until ctx is
// cancelled. This is the supplemented background sweep for pending entries
// whose consent flow was abandoned before any read ever touched them (lazy expiry
// otherwise only discharged lazily, on read).
func RunGarbageCollector(ctx context.Context, s *Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.GarbageCollect(ctx, time.Now())
			if err != nil {
				s.logger.Errorf("vault garbage collection failed: %v", err)
				continue
			}
			if n > 0 {
				s.logger.Infof("vault garbage collection removed %d expired entries", n)
			}
		}
	}
}

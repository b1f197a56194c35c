package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/tonimelisma/keysync/internal/keypath"
	"github.com/tonimelisma/keysync/internal/model"
	ksync "github.com/tonimelisma/keysync/internal/sync"
)

const (
	pollBatchSize     = 500
	backoffMultiplier = 2
	maxPollBackoff    = time.Minute
)

// poller applies changes that other processes journaled. A change only names
// the paths it touched; the current value is re-read from the entries table,
// so the tree converges on the journal's last write per key even when
// changes from several processes interleave.
type poller struct {
	store    *Store
	cursor   int64
	interval time.Duration
	logger   *slog.Logger

	// sleepFunc waits for d or until ctx is done. Injectable for tests.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

func newPoller(s *Store, cursor int64, interval time.Duration) *poller {
	return &poller{
		store:     s,
		cursor:    cursor,
		interval:  interval,
		logger:    s.logger.With(slog.String("component", "poller")),
		sleepFunc: timeSleep,
	}
}

// run polls until ctx is canceled. Errors back off exponentially, starting
// at the poll interval and capped at maxPollBackoff.
func (p *poller) run(ctx context.Context) error {
	p.logger.Debug("poller starting",
		slog.Duration("interval", p.interval),
		slog.Int64("cursor", p.cursor),
	)

	backoff := p.interval
	consecutiveErrors := 0

	for {
		n, err := p.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			consecutiveErrors++

			p.logger.Warn("poll failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
				slog.Int("consecutive_errors", consecutiveErrors),
			)

			if sleepErr := p.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil
			}

			backoff = min(backoff*backoffMultiplier, max(maxPollBackoff, p.interval))

			continue
		}

		backoff = p.interval
		consecutiveErrors = 0

		// A full batch means more changes are waiting.
		if n == pollBatchSize {
			continue
		}

		if sleepErr := p.sleepFunc(ctx, p.interval); sleepErr != nil {
			return nil
		}
	}
}

// poll applies one batch of changes and returns how many it read.
func (p *poller) poll(ctx context.Context) (int, error) {
	changes, err := p.store.journal.changesSince(ctx, p.cursor, pollBatchSize)
	if err != nil {
		return 0, err
	}

	for _, c := range changes {
		if c.Origin != p.store.instance {
			if err := p.apply(ctx, c); err != nil {
				return 0, err
			}
		}

		p.cursor = c.Seq
	}

	if len(changes) > 0 {
		p.logger.Debug("applied journal changes",
			slog.Int("count", len(changes)),
			slog.Int64("cursor", p.cursor),
		)
	}

	return len(changes), nil
}

func (p *poller) apply(ctx context.Context, c change) error {
	s := p.store

	target := c.Path
	if c.Command == ksync.CommandAdd {
		target = c.AddedPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	v, present, err := s.journal.subtree(ctx, target)
	if err != nil {
		return err
	}

	switch c.Command {
	case ksync.CommandRemove:
		// Present again means a later change recreated it.
		if present {
			return nil
		}

		removeTree(s.tree, target)
		s.publish(c.Origin, ksync.EventRemove, target, model.Null(), ksync.EventContext{Key: target})
	case ksync.CommandAdd:
		if !present {
			return nil
		}

		model.ReplaceAt(s.tree, keypath.Split(target), v)
		s.publish(c.Origin, ksync.EventAdd, c.Path, v, ksync.EventContext{
			Key:      c.Path,
			Command:  ksync.CommandAdd,
			AddedKey: target,
		})
	default:
		if !present {
			return nil
		}

		model.ReplaceAt(s.tree, keypath.Split(target), v)
		s.publish(c.Origin, ksync.EventSet, target, v, ksync.EventContext{Key: target})
	}

	return nil
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

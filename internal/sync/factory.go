package sync

import (
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/keysync/internal/model"
)

// Notifier is called after an engine's model changed. Calls are batched by
// the Factory's Scheduler, so one call may cover several mutations.
type Notifier func(e *Engine)

// Scheduler defers fn. It decides when change notifications run; it never
// affects how events are merged into a model.
type Scheduler func(fn func())

// Immediate runs fn on the calling goroutine.
func Immediate(fn func()) { fn() }

// Debounce returns a Scheduler that runs every function it was given once no
// new function has arrived for d. Functions run on a timer goroutine. The
// returned Scheduler may be shared between engines.
func Debounce(d time.Duration) Scheduler {
	var (
		mu     stdsync.Mutex
		queued []func()
		timer  *time.Timer
	)

	fire := func() {
		mu.Lock()
		fns := queued
		queued = nil
		mu.Unlock()

		for _, fn := range fns {
			fn()
		}
	}

	return func(fn func()) {
		mu.Lock()
		defer mu.Unlock()

		queued = append(queued, fn)

		if timer == nil {
			timer = time.AfterFunc(d, fire)
			return
		}

		timer.Reset(d)
	}
}

// FactoryConfig holds the options for NewFactory.
type FactoryConfig struct {
	Notifier  Notifier  // optional: nil disables change notification
	Scheduler Scheduler // optional: defaults to Immediate
	Logger    *slog.Logger
}

// Factory builds engines that share one notifier and scheduler.
type Factory struct {
	notifier  Notifier
	scheduler Scheduler
	logger    *slog.Logger
}

// NewFactory creates a Factory from cfg, filling in defaults for unset
// fields.
func NewFactory(cfg FactoryConfig) *Factory {
	f := &Factory{
		notifier:  cfg.Notifier,
		scheduler: cfg.Scheduler,
		logger:    cfg.Logger,
	}

	if f.scheduler == nil {
		f.scheduler = Immediate
	}

	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}

	return f
}

// New returns an uninitialized engine binding m to handle. A nil m starts
// from an empty model.
func (f *Factory) New(handle KeyHandle, m *model.Map) *Engine {
	if m == nil {
		m = model.NewMap()
	}

	return newEngine(f, handle, m, &stdsync.Mutex{})
}

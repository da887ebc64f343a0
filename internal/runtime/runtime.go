// Package runtime hosts modules: it wires each one to its declared
// bus topics, dispatches incoming IUs to it sequentially, and drives
// a bounded-drain shutdown in reverse start order.
package runtime

import (
	"context"
	"time"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
	"github.com/rs/zerolog"
)

// Module is anything the Host can run. Implementations must not block
// indefinitely in OnIU; the Host calls it sequentially, and each module
// gets its own dispatch goroutine, so a stuck module stops its own
// dispatch only. Its input queues still fill, and a full bus queue
// with a COMMIT at its head blocks whichever module publishes to it.
type Module interface {
	Name() string
	Topics() (in []bus.Topic, out []bus.Topic)
	OnStart(ctx context.Context) error
	OnIU(ctx context.Context, topic bus.Topic, msg iu.IU) error
	OnShutdown(ctx context.Context) error
}

// DrainTimeout bounds how long Host.Shutdown waits for each module's
// input queue to empty before calling OnShutdown anyway.
const DrainTimeout = 2 * time.Second

// Host owns a Bus and a set of registered Modules, and manages their
// lifecycle as one process-wide unit of work.
type Host struct {
	b       bus.Bus
	log     zerolog.Logger
	modules []*runningModule
}

type runningModule struct {
	mod     Module
	in      chan dispatched
	cancel  context.CancelFunc
	stopped chan struct{}
	tracker *iu.Tracker
}

type dispatched struct {
	topic Topic
	msg   iu.IU
}

// Topic re-exports bus.Topic so callers of this package don't need a
// second import for the common case of declaring module topics.
type Topic = bus.Topic

// NewHost returns a Host backed by b, logging through log.
func NewHost(b bus.Bus, log zerolog.Logger) *Host {
	return &Host{b: b, log: log}
}

// Register adds m to the Host. Shutdown runs in reverse registration
// order: the last-registered module is shut down first, so a module
// registered after one it depends on is stopped before that
// dependency.
func (h *Host) Register(m Module) {
	h.modules = append(h.modules, &runningModule{mod: m})
}

// Run starts every registered module's dispatch loop and blocks until
// ctx is cancelled, at which point it performs an orderly shutdown.
func (h *Host) Run(ctx context.Context) error {
	for _, rm := range h.modules {
		if err := h.start(ctx, rm); err != nil {
			return err
		}
	}

	<-ctx.Done()
	h.shutdown()
	return nil
}

func (h *Host) start(ctx context.Context, rm *runningModule) error {
	modCtx, cancel := context.WithCancel(ctx)
	rm.cancel = cancel
	rm.in = make(chan dispatched, 64)
	rm.stopped = make(chan struct{})
	rm.tracker = iu.NewTracker()

	logger := h.log.With().Str("module", rm.mod.Name()).Logger()

	if err := rm.mod.OnStart(modCtx); err != nil {
		cancel()
		return err
	}

	inTopics, _ := rm.mod.Topics()
	for _, topic := range inTopics {
		ch, err := h.b.Subscribe(modCtx, topic)
		if err != nil {
			cancel()
			return err
		}
		go h.forward(modCtx, topic, ch, rm.in)
	}

	go h.dispatch(modCtx, rm, logger)
	return nil
}

// forward relays one topic's subscription channel into the module's
// single shared input channel, preserving that topic's own order.
func (h *Host) forward(ctx context.Context, topic Topic, ch <-chan iu.IU, out chan<- dispatched) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case out <- dispatched{topic: topic, msg: msg}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch calls OnIU sequentially for every item that arrives on the
// module's shared input channel. Because exactly one goroutine reads
// rm.in, no two OnIU calls for this module ever run concurrently.
func (h *Host) dispatch(ctx context.Context, rm *runningModule, logger zerolog.Logger) {
	defer close(rm.stopped)
	for {
		select {
		case d := <-rm.in:
			h.deliver(ctx, rm, d, logger)
		case <-ctx.Done():
			h.drain(rm, logger)
			return
		}
	}
}

// deliver runs d.msg through the module's Tracker before OnIU ever
// sees it: a causality violation (unknown previous_id) or protocol
// violation (ADD/terminal after the chain already terminated) is
// logged and the IU is dropped, per spec §4.1/§7.
func (h *Host) deliver(ctx context.Context, rm *runningModule, d dispatched, logger zerolog.Logger) {
	root, err := rm.tracker.Accept(d.msg)
	if err != nil {
		logger.Warn().Err(err).Str("topic", string(d.topic)).Str("iu_id", d.msg.ID).Msg("dropped IU failing revision protocol")
		return
	}
	if rm.tracker.Terminated(root) {
		defer rm.tracker.Forget(root)
	}
	if err := rm.mod.OnIU(ctx, d.topic, d.msg); err != nil {
		logger.Error().Err(err).Str("topic", string(d.topic)).Msg("module failed handling IU")
	}
}

// drain gives a module DrainTimeout to finish processing whatever is
// already queued before shutdown proceeds to OnShutdown.
func (h *Host) drain(rm *runningModule, logger zerolog.Logger) {
	deadline := time.After(DrainTimeout)
	for {
		select {
		case d := <-rm.in:
			h.deliver(context.Background(), rm, d, logger)
		case <-deadline:
			return
		default:
			if len(rm.in) == 0 {
				return
			}
		}
	}
}

// shutdown cancels every module's context and waits for its dispatch
// goroutine to stop, then calls OnShutdown, in reverse registration
// order, so dependents release resources before their dependencies.
func (h *Host) shutdown() {
	for i := len(h.modules) - 1; i >= 0; i-- {
		rm := h.modules[i]
		if rm.cancel == nil {
			continue
		}
		rm.cancel()
		<-rm.stopped
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
		if err := rm.mod.OnShutdown(shutdownCtx); err != nil {
			h.log.Error().Err(err).Str("module", rm.mod.Name()).Msg("shutdown error")
		}
		cancel()
	}
}

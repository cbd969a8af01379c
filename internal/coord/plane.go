// SPDX-License-Identifier: MIT

// Package coord fans cluster-wide state events out to local consumers.
// Every instance subscribes exactly once; local delivery components never
// talk to the pub/sub transport themselves.
package coord

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/turnsync/turnsync/internal/domain/session/store"
	"github.com/turnsync/turnsync/internal/log"
	"github.com/turnsync/turnsync/internal/metrics"
)

const dispatchBuffer = 256

// StateHandler receives cluster mutation events. Handlers must be
// idempotent and must not block; slow work belongs behind the handler's
// own queue.
type StateHandler func(store.StateChange)

// FanoutHandler receives per-session out-of-band messages.
type FanoutHandler func(store.FanoutMessage)

// Plane owns the process-global subscriptions to the state store's pub/sub
// channels and dispatches events to registered handlers. Events are an
// optimization only; consumers reconcile via reads when one is missed.
type Plane struct {
	store  store.Store
	logger zerolog.Logger

	mu             sync.Mutex
	stateHandlers  []StateHandler
	fanoutHandlers []FanoutHandler
	started        bool

	stateEvents  chan store.StateChange
	fanoutEvents chan store.FanoutMessage

	cancelState  func()
	cancelFanout func()
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New builds the plane; Start opens the subscriptions.
func New(st store.Store) *Plane {
	return &Plane{
		store:        st,
		logger:       log.WithComponent("coord"),
		stateEvents:  make(chan store.StateChange, dispatchBuffer),
		fanoutEvents: make(chan store.FanoutMessage, dispatchBuffer),
	}
}

// OnStateChange registers a handler for cluster mutation events. Must be
// called before Start.
func (p *Plane) OnStateChange(h StateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateHandlers = append(p.stateHandlers, h)
}

// OnFanout registers a handler for per-session fan-out messages. Must be
// called before Start.
func (p *Plane) OnFanout(h FanoutHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fanoutHandlers = append(p.fanoutHandlers, h)
}

// Start opens both subscriptions and launches the pump and dispatch
// goroutines. The handler sets are captured here; registrations after
// Start are not seen. Calling Start twice is a no-op.
func (p *Plane) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	stateHandlers := p.stateHandlers
	fanoutHandlers := p.fanoutHandlers

	ctx, p.cancel = context.WithCancel(ctx)

	stateCh, cancelState := p.store.SubscribeStateChange(ctx)
	fanoutCh, cancelFanout := p.store.SubscribeFanout(ctx)
	p.cancelState = cancelState
	p.cancelFanout = cancelFanout
	p.mu.Unlock()

	p.wg.Add(4)
	go p.pumpState(ctx, stateCh)
	go p.pumpFanout(ctx, fanoutCh)
	go p.dispatchState(ctx, stateHandlers)
	go p.dispatchFanout(ctx, fanoutHandlers)

	p.logger.Info().Msg("coordination plane started")
}

// Close tears down the subscriptions and waits for in-flight dispatch.
// The mutex is released before waiting so dispatchers can finish.
func (p *Plane) Close() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	cancelState := p.cancelState
	cancelFanout := p.cancelFanout
	p.mu.Unlock()

	cancel()
	cancelState()
	cancelFanout()
	p.wg.Wait()
}

// pumpState moves subscription events into the bounded dispatch buffer,
// dropping the oldest event on overflow. Consumers self-heal via sync.
func (p *Plane) pumpState(ctx context.Context, in <-chan store.StateChange) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			metrics.IncCoordEvent("state_change")
			select {
			case p.stateEvents <- ev:
			default:
				select {
				case dropped := <-p.stateEvents:
					metrics.IncCoordDropped()
					p.logger.Warn().
						Str("session_id", dropped.SessionID).
						Int64("version", dropped.Version).
						Msg("dispatch buffer full, dropped oldest state event")
				default:
				}
				p.stateEvents <- ev
			}
		}
	}
}

func (p *Plane) pumpFanout(ctx context.Context, in <-chan store.FanoutMessage) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			metrics.IncCoordEvent("fanout")
			select {
			case p.fanoutEvents <- msg:
			default:
				select {
				case <-p.fanoutEvents:
					metrics.IncCoordDropped()
					p.logger.Warn().Str("session_id", msg.SessionID).
						Msg("dispatch buffer full, dropped oldest fanout message")
				default:
				}
				p.fanoutEvents <- msg
			}
		}
	}
}

func (p *Plane) dispatchState(ctx context.Context, handlers []StateHandler) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.stateEvents:
			for _, h := range handlers {
				h(ev)
			}
		}
	}
}

func (p *Plane) dispatchFanout(ctx context.Context, handlers []FanoutHandler) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.fanoutEvents:
			for _, h := range handlers {
				h(msg)
			}
		}
	}
}

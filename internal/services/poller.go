// Package services – payment poller registry
//
// This file implements the polling half of the dual-channel confirmation
// model. Each pending payment gets at most one background poller, keyed by
// the gateway payment ID. A poller asks the gateway for the payment's status
// on a fixed interval until the payment reaches a terminal state or the tick
// budget runs out; exhaustion cancels the payment so that no record stays
// pending forever.
//
// The registry is the single source of truth for liveness: arming is a no-op
// while a live poller exists for the same gateway ID, and the webhook path
// disarms the poller as soon as it settles the payment first.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/yookassa"
)

// pollHandle tracks one running poller.
type pollHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// pollerRegistry maps gateway payment IDs to their live pollers.
type pollerRegistry struct {
	mu     sync.Mutex
	active map[string]*pollHandle
}

// arm registers a poller for providerID and returns its context, or false if
// one is already live.
func (r *pollerRegistry) arm(parent context.Context, providerID string) (context.Context, *pollHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		r.active = make(map[string]*pollHandle)
	}
	if _, live := r.active[providerID]; live {
		return nil, nil, false
	}

	ctx, cancel := context.WithCancel(parent)
	h := &pollHandle{cancel: cancel, done: make(chan struct{})}
	r.active[providerID] = h
	activePollers.Inc()
	return ctx, h, true
}

// disarm cancels the poller for providerID if one is live.
func (r *pollerRegistry) disarm(providerID string) {
	r.mu.Lock()
	h := r.active[providerID]
	r.mu.Unlock()

	if h != nil {
		h.cancel()
	}
}

// remove drops the handle once its goroutine has exited.
func (r *pollerRegistry) remove(providerID string, h *pollHandle) {
	r.mu.Lock()
	if r.active[providerID] == h {
		delete(r.active, providerID)
		activePollers.Dec()
	}
	r.mu.Unlock()
	close(h.done)
}

// count returns the number of live pollers.
func (r *pollerRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ArmPoller starts a background poller for the payment identified by
// providerID. It is a no-op when a poller for that ID is already running, so
// concurrent arming (creation racing with crash recovery) never produces
// duplicate watchers.
func (s *PaymentService) ArmPoller(providerID, paymentID string) {
	ctx, h, armed := s.pollers.arm(s.baseCtx(), providerID)
	if !armed {
		return
	}

	go s.pollLoop(ctx, h, providerID, paymentID)
}

// DisarmPoller stops the poller for providerID, if any.
func (s *PaymentService) DisarmPoller(providerID string) {
	s.pollers.disarm(providerID)
}

// ActivePollers reports how many payments are currently being watched.
func (s *PaymentService) ActivePollers() int {
	return s.pollers.count()
}

// pollLoop drives one payment to a terminal state. Transient gateway errors
// consume a tick but do not stop the loop.
func (s *PaymentService) pollLoop(ctx context.Context, h *pollHandle, providerID, paymentID string) {
	defer s.pollers.remove(providerID, h)

	interval := s.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxTicks := s.PollMaxTicks
	if maxTicks <= 0 {
		maxTicks = 120
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for tick := 0; tick < maxTicks; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pollTicks.Inc()
		p, err := s.Gateway.GetPayment(ctx, providerID)
		if err != nil {
			pollErrors.Inc()
			log.Warn().Err(err).
				Str("provider_id", providerID).
				Str("payment_id", paymentID).
				Int("tick", tick+1).
				Msg("payment poll failed")
			continue
		}

		switch p.Status {
		case yookassa.StatusSucceeded:
			if err := s.fulfill(ctx, paymentID, "poll"); err != nil {
				log.Error().Err(err).Str("payment_id", paymentID).Msg("poll fulfillment failed")
				continue
			}
			return
		case yookassa.StatusCanceled:
			s.cancel(ctx, paymentID, "provider")
			return
		}
	}

	// Budget exhausted: the payment is abandoned, settle it as canceled.
	log.Warn().
		Str("provider_id", providerID).
		Str("payment_id", paymentID).
		Int("max_ticks", maxTicks).
		Msg("poll budget exhausted, canceling payment")
	s.cancel(context.WithoutCancel(ctx), paymentID, "poll_budget")
}

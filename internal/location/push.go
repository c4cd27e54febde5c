// Package location provides a tracker.LocationProvider fed by fixes the phone
// pushes to the host.
package location

import (
	"context"
	"errors"
	"sync"

	"backend-lari2gether/internal/shared/geo"
	"backend-lari2gether/internal/tracker"
)

var ErrNoFix = errors.New("no fix received yet")

type subscriber struct {
	opts     tracker.SubscribeOptions
	fn       func(tracker.RawSample)
	last     *tracker.RawSample
	canceled bool
	// inflight counts callbacks handed a sample and not yet returned.
	inflight sync.WaitGroup
}

type PushProvider struct {
	mu      sync.Mutex
	granted bool
	latest  *tracker.RawSample
	subs    map[*subscriber]struct{}
}

func NewPushProvider() *PushProvider {
	return &PushProvider{subs: map[*subscriber]struct{}{}}
}

// Grant records the answer of the device's permission prompt.
func (p *PushProvider) Grant(granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = granted
}

func (p *PushProvider) RequestPermission(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted, nil
}

func (p *PushProvider) CurrentFix(context.Context) (tracker.RawSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return tracker.RawSample{}, ErrNoFix
	}
	return *p.latest, nil
}

// Subscribe forwards pushed fixes that moved at least MinDistanceM and arrived at
// least MinInterval after the previously forwarded one. ctx only bounds the call.
func (p *PushProvider) Subscribe(_ context.Context, opts tracker.SubscribeOptions, fn func(tracker.RawSample)) (tracker.Subscription, error) {
	s := &subscriber{opts: opts, fn: fn}
	p.mu.Lock()
	p.subs[s] = struct{}{}
	p.mu.Unlock()
	return &handle{p: p, s: s}, nil
}

// Push delivers a fix. Callbacks run on the caller's goroutine, in push order.
func (p *PushProvider) Push(sample tracker.RawSample) {
	p.mu.Lock()
	latest := sample
	p.latest = &latest

	var targets []*subscriber
	for s := range p.subs {
		if !s.due(sample) {
			continue
		}
		last := sample
		s.last = &last
		s.inflight.Add(1)
		targets = append(targets, s)
	}
	p.mu.Unlock()

	for _, s := range targets {
		s.fn(sample)
		s.inflight.Done()
	}
}

func (s *subscriber) due(sample tracker.RawSample) bool {
	if s.canceled {
		return false
	}
	if s.last == nil {
		return true
	}
	if sample.Timestamp.Sub(s.last.Timestamp) < s.opts.MinInterval {
		return false
	}
	moved := geo.HaversineM(s.last.Latitude, s.last.Longitude, sample.Latitude, sample.Longitude)
	return moved >= s.opts.MinDistanceM
}

type handle struct {
	p    *PushProvider
	s    *subscriber
	once sync.Once
}

// Unsubscribe stops delivery and returns once callbacks already running have
// finished. It must not be called from inside the callback.
func (h *handle) Unsubscribe() {
	h.once.Do(func() {
		h.p.mu.Lock()
		h.s.canceled = true
		delete(h.p.subs, h.s)
		h.p.mu.Unlock()
		h.s.inflight.Wait()
	})
}

package cluster_service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AnishMulay/sandmirror/internal/log_service"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
)

// HeartbeatCollector turns observed heartbeats into reachability states. A
// target that missed one interval is ProbablyOffline, one silent for longer
// than offlineAfter is Offline.
type HeartbeatCollector struct {
	mu   sync.Mutex
	last map[tss.TargetID]time.Time

	interval     time.Duration
	offlineAfter time.Duration
	store        *tss.TargetStateStore
	now          func() time.Time
	ls           log_service.LogService
}

type CollectorOption func(*HeartbeatCollector)

func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *HeartbeatCollector) { c.now = now }
}

func NewHeartbeatCollector(store *tss.TargetStateStore, interval, offlineAfter time.Duration, ls log_service.LogService, opts ...CollectorOption) (*HeartbeatCollector, error) {
	if interval <= 0 || offlineAfter < interval {
		return nil, fmt.Errorf("%w: interval %s, offline after %s", ErrInvalidInterval, interval, offlineAfter)
	}
	c := &HeartbeatCollector{
		last:         make(map[tss.TargetID]time.Time),
		interval:     interval,
		offlineAfter: offlineAfter,
		store:        store,
		now:          time.Now,
		ls:           ls,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Track starts watching targets as if each had just sent a heartbeat.
func (c *HeartbeatCollector) Track(targets ...tss.TargetID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, t := range targets {
		if _, ok := c.last[t]; !ok {
			c.last[t] = now
		}
	}
}

func (c *HeartbeatCollector) Observe(hb Heartbeat) {
	if hb.Target == 0 {
		return
	}
	c.mu.Lock()
	c.last[hb.Target] = c.now()
	c.mu.Unlock()
}

func (c *HeartbeatCollector) reachability(since time.Duration) tss.Reachability {
	switch {
	case since <= c.interval:
		return tss.Online
	case since <= c.offlineAfter:
		return tss.ProbablyOffline
	default:
		return tss.Offline
	}
}

// Evaluate pushes the current reachability of every tracked target into the
// store in one bulk update.
func (c *HeartbeatCollector) Evaluate() error {
	c.mu.Lock()
	now := c.now()
	ids := make([]tss.TargetID, 0, len(c.last))
	for id := range c.last {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	states := make([]tss.Reachability, len(ids))
	for i, id := range ids {
		states[i] = c.reachability(now.Sub(c.last[id]))
	}
	c.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	return c.store.SetReachabilityStatesFromList(ids, states)
}

// Run evaluates once per interval until ctx is done.
func (c *HeartbeatCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Evaluate(); err != nil {
				c.ls.Error(log_service.LogEvent{
					Message:  "Failed to apply reachability states",
					Metadata: map[string]any{"error": err.Error()},
				})
			}
		}
	}
}

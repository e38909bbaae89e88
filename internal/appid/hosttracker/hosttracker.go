// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hosttracker implements the host-tracker cache (spec §4.3, C3):
// the per-(ip, proto, port, detection-level) memory of which detector
// previously validated a service, with the hysteresis counters that guard
// against false positives and flapping.
//
// Shaped after internal/ebpf/flow.Manager in the teacher repo: a
// mutex-protected map plus a background sweep goroutine, substituting the
// eBPF map update for nothing (this cache has no kernel-resident mirror —
// it is purely an in-process cache per spec §1/§6, "Persisted state: none
// by the core").
package hosttracker

import (
	"sync"
	"time"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/appid/pattern"
	"grimm.is/appidcore/internal/config"
	"grimm.is/appidcore/internal/logging"
)

// State is the host-tracker entry's position in the NEW -> PORT -> PATTERN
// -> BRUTE_FORCE -> VALID search (spec §3).
type State int

const (
	StateNew State = iota
	StateValid
	StatePort
	StatePattern
	StateBruteForce
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateValid:
		return "VALID"
	case StatePort:
		return "PORT"
	case StatePattern:
		return "PATTERN"
	case StateBruteForce:
		return "BRUTE_FORCE"
	default:
		return "UNKNOWN"
	}
}

// Key identifies one host-tracker entry.
type Key struct {
	ServerIP string
	Proto    ids.Transport
	Port     uint16
	Level    ids.DetectionLevel
}

// Entry is one host-tracker cache line (spec §3, "Host-tracker entry").
// Every field access goes through Entry's own mutex: the cache's map-level
// lock only protects insertion/lookup, not the mutation of an entry that
// multiple flows to the same endpoint may be racing to update (spec §5).
type Entry struct {
	mu sync.Mutex

	key Key

	State State
	Svc   flowsession.Detector

	ServiceList    []pattern.ServiceMatch
	CurrentService int // cursor into ServiceList (PATTERN) or into the registry's transport-wide list (BRUTE_FORCE), -1 when exhausted/unset

	ValidCount         int
	DetractCount       int
	InvalidClientCount int

	LastDetract       string
	LastInvalidClient string

	ResetTime time.Time
	Searching bool

	lastTouched time.Time
}

// Key returns the entry's cache key.
func (e *Entry) Key() Key {
	return e.key
}

// Lock/Unlock expose the entry's own mutex to callers (the selection state
// machine, the verdict recorder) that need to read-modify-write several
// fields atomically across a handful of calls.
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// resetCounters zeroes the hysteresis counters and sets reset_time to now.
// The verdict recorder does its own zeroing and does not call it. Caller
// must hold e's lock.
func (e *Entry) resetCounters(now time.Time) {
	e.ValidCount = 0
	e.DetractCount = 0
	e.InvalidClientCount = 0
	e.LastDetract = ""
	e.LastInvalidClient = ""
	e.ResetTime = now
}

// Cache is the (ip, proto, port, level)-keyed host-tracker store (spec
// §4.3). A single RWMutex guards the map itself; each Entry has its own
// mutex for field mutation, matching spec §4.3's "serialised by an
// internal lock per bucket".
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*Entry

	logger *logging.Logger
	config *config.Config

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an empty host-tracker cache.
func New(logger *logging.Logger, cfg *config.Config) *Cache {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Cache{
		entries: make(map[Key]*Entry),
		logger:  logger,
		config:  cfg,
	}
}

// Get returns the entry for key if one exists.
func (c *Cache) Get(key Key) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// GetOrAdd returns the entry for key, creating one in state NEW if absent
// (spec invariant 3: "created on first reference and outlives all flows
// sharing its key").
func (c *Cache) GetOrAdd(key Key) *Entry {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e
	}
	e = &Entry{
		key:            key,
		State:          StateNew,
		CurrentService: -1,
		ResetTime:      time.Now(),
		lastTouched:    time.Now(),
	}
	c.entries[key] = e
	return e
}

// Len reports the number of tracked endpoints, for diagnostics/metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns the total tracked-endpoint count and a per-state
// breakdown, for the metrics collector's periodic gauge sample.
func (c *Cache) Snapshot() (total int, byState map[State]int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byState = make(map[State]int, 5)
	for _, e := range c.entries {
		e.mu.Lock()
		byState[e.State]++
		e.mu.Unlock()
	}
	return len(c.entries), byState
}

// touch marks an entry as referenced just now, for the idle sweeper.
func touch(e *Entry) {
	e.mu.Lock()
	e.lastTouched = time.Now()
	e.mu.Unlock()
}

// Touch records that key was just referenced by a flow.
func (c *Cache) Touch(key Key) {
	if e, ok := c.Get(key); ok {
		touch(e)
	}
}

// StartSweeper launches a background goroutine that drops entries idle
// longer than idleTimeout. Spec §3 leaves entry aging to "an external
// sweeper (not specified here)"; this is that sweeper, with a policy
// grounded in the teacher's flow-manager cleanup routine (periodic batch
// scan under RLock, delete under Lock).
func (c *Cache) StartSweeper(interval, idleTimeout time.Duration) {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.sweepLoop(interval, idleTimeout)
}

// StopSweeper halts the background sweeper started by StartSweeper.
func (c *Cache) StopSweeper() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

func (c *Cache) sweepLoop(interval, idleTimeout time.Duration) {
	defer close(c.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepOnce(idleTimeout)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweepOnce(idleTimeout time.Duration) {
	now := time.Now()

	c.mu.RLock()
	var expired []Key
	for key, e := range c.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastTouched)
		searching := e.Searching
		e.mu.Unlock()
		if !searching && idle > idleTimeout {
			expired = append(expired, key)
		}
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	c.mu.Lock()
	for _, key := range expired {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("swept idle host-tracker entries", "count", len(expired))
	}
}

// Bind attaches entry to flow's IDState handle.
func Bind(flow *flowsession.Flow, entry *Entry) {
	flow.IDState = entry
}

// EntryOf returns the host-tracker entry bound to flow, if any.
func EntryOf(flow *flowsession.Flow) (*Entry, bool) {
	e, ok := flow.IDState.(*Entry)
	return e, ok
}

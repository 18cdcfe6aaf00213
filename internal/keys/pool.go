package keys

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// RateLimitCooldown is how long a key sits out after a 429
	RateLimitCooldown = time.Minute
	// FailureCooldown effectively retires a rejected key for the session
	FailureCooldown = 24 * time.Hour
)

// ErrNoCredentials is returned when the pool has nothing to hand out
var ErrNoCredentials = errors.New("no API keys available")

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Pool hands out API keys, skipping keys that are cooling down after a
// rate limit or an auth failure.
type Pool struct {
	mu        sync.Mutex
	store     Store
	keys      []string
	cooldowns map[string]time.Time
	usage     map[string]int
	onRemove  []func(key string)

	timeSource TimeSource
	intn       func(n int) int
}

// NewPool creates a Pool and loads its keys from store
func NewPool(store Store) (*Pool, error) {
	return NewPoolWithDeps(store, &defaultTimeSource{}, rand.IntN)
}

// NewPoolWithDeps creates a Pool with a custom clock and random source for testing
func NewPoolWithDeps(store Store, timeSrc TimeSource, intn func(n int) int) (*Pool, error) {
	p := &Pool{
		store:      store,
		cooldowns:  make(map[string]time.Time),
		usage:      make(map[string]int),
		timeSource: timeSrc,
		intn:       intn,
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the key list from the store. Cooldowns of keys that are
// still present survive the reload.
func (p *Pool) Reload() error {
	loaded, err := p.store.LoadCredentials()
	if err != nil {
		return fmt.Errorf("loading api keys: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(loaded))
	keys := make([]string, 0, len(loaded))
	for _, k := range loaded {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	p.keys = keys

	for k := range p.cooldowns {
		if !seen[k] {
			delete(p.cooldowns, k)
		}
	}
	for k := range p.usage {
		if !seen[k] {
			delete(p.usage, k)
		}
	}

	slog.Debug("Loaded API keys", "count", len(keys))
	return nil
}

// Select picks the key for the next request. Keys out of cooldown are
// chosen at random so consecutive calls spread across the pool. When every
// key is cooling down, the one that expires first is released early.
func (p *Pool) Select() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return "", ErrNoCredentials
	}

	now := p.timeSource.Now()
	for k, expiry := range p.cooldowns {
		if !expiry.After(now) {
			delete(p.cooldowns, k)
		}
	}

	available := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		if _, cooling := p.cooldowns[k]; !cooling {
			available = append(available, k)
		}
	}

	var selected string
	if len(available) > 0 {
		selected = available[p.intn(len(available))]
	} else {
		var soonest time.Time
		for _, k := range p.keys {
			expiry := p.cooldowns[k]
			if selected == "" || expiry.Before(soonest) {
				selected, soonest = k, expiry
			}
		}
		delete(p.cooldowns, selected)
		slog.Warn("All API keys are cooling down, releasing the soonest", "key", Mask(selected), "until", soonest)
	}

	p.usage[selected]++
	slog.Debug("Using API key", "key", Mask(selected), "usage", p.usage[selected])
	return selected, nil
}

// MarkRateLimited benches key for RateLimitCooldown
func (p *Pool) MarkRateLimited(key string) {
	p.setCooldown(key, RateLimitCooldown)
	slog.Warn("API key rate-limited", "key", Mask(key), "cooldown", RateLimitCooldown)
}

// MarkFailed benches key for FailureCooldown
func (p *Pool) MarkFailed(key string) {
	p.setCooldown(key, FailureCooldown)
	slog.Error("API key rejected", "key", Mask(key))
}

func (p *Pool) setCooldown(key string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldowns[key] = p.timeSource.Now().Add(d)
}

// InCooldown reports whether key is currently benched
func (p *Pool) InCooldown(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	expiry, ok := p.cooldowns[key]
	return ok && expiry.After(p.timeSource.Now())
}

// AvailableCount returns the number of keys not cooling down
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.timeSource.Now()
	count := 0
	for _, k := range p.keys {
		expiry, ok := p.cooldowns[k]
		if !ok || !expiry.After(now) {
			count++
		}
	}
	return count
}

// TotalCount returns the number of loaded keys
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Usage returns how many times key has been selected since the last reset
func (p *Pool) Usage(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage[key]
}

// Reset clears all cooldowns and usage counters
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.cooldowns)
	clear(p.usage)
	slog.Info("API key pool reset")
}

// Keys returns a copy of the loaded keys in load order
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// Masked returns the loaded keys in a form safe for display
func (p *Pool) Masked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	masked := make([]string, len(p.keys))
	for i, k := range p.keys {
		masked[i] = Mask(k)
	}
	return masked
}

// Add stores a new key. It returns false when the key is blank or already present.
func (p *Pool) Add(key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	added, err := p.store.AddCredential(key)
	if err != nil {
		return false, fmt.Errorf("adding api key: %w", err)
	}
	if !added {
		return false, nil
	}
	return true, p.Reload()
}

// Remove deletes a key. It returns false when the key was not stored.
func (p *Pool) Remove(key string) (bool, error) {
	removed, err := p.store.RemoveCredential(strings.TrimSpace(key))
	if err != nil {
		return false, fmt.Errorf("removing api key: %w", err)
	}
	if !removed {
		return false, nil
	}
	if err := p.Reload(); err != nil {
		return true, err
	}

	p.mu.Lock()
	listeners := slices.Clone(p.onRemove)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(strings.TrimSpace(key))
	}
	return true, nil
}

// OnRemove registers fn to run after a key is removed from the store
func (p *Pool) OnRemove(fn func(key string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemove = append(p.onRemove, fn)
}

// Mask shortens a key for logs and listings
func Mask(key string) string {
	if len(key) > 12 {
		return key[:8] + "..." + key[len(key)-4:]
	}
	if len(key) > 4 {
		return key[:4] + "..."
	}
	return "..."
}

package sts

import (
	"context"
	"sync"
	"time"

	"kannader.org/kannader/internal/protoio"
	"kannader.org/kannader/internal/trace"
)

// cachedEntry is what PolicyCache persists per domain, grounded on
// domaininfo's store-one-struct-per-id layout.
type cachedEntry struct {
	Domain      string
	Policy      *Policy
	FetchedUnix int64
}

func (e *cachedEntry) expired(now time.Time) bool {
	fetched := time.Unix(e.FetchedUnix, 0)
	return now.Sub(fetched) >= e.Policy.MaxAge
}

// PolicyCache is a TTL cache of STS policies, backed by a protoio.Store so
// a restart doesn't force every domain to be re-fetched before its first
// delivery. Like domaininfo.DB, it is an in-memory map guarded by a
// mutex, persisted through a generic store.
type PolicyCache struct {
	st *protoio.Store

	mu      sync.Mutex
	entries map[string]*cachedEntry
}

// NewCache opens (creating if necessary) a PolicyCache rooted at dir.
func NewCache(dir string) (*PolicyCache, error) {
	st, err := protoio.NewStore(dir)
	if err != nil {
		return nil, err
	}

	c := &PolicyCache{
		st:      st,
		entries: map[string]*cachedEntry{},
	}

	ids, err := st.ListIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e := &cachedEntry{}
		if ok, err := st.Get(id, e); err == nil && ok {
			c.entries[e.Domain] = e
		}
	}

	return c, nil
}

// Fetch returns the cached policy for domain if still fresh, otherwise
// fetches, validates, caches and returns a new one.
func (c *PolicyCache) Fetch(ctx context.Context, domain string) (*Policy, error) {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[domain]
	c.mu.Unlock()

	if ok && !e.expired(now) {
		return e.Policy, nil
	}

	p, err := Fetch(ctx, domain)
	if err != nil {
		return nil, err
	}

	c.save(domain, p, now)
	return p, nil
}

// save records a freshly fetched policy, both in memory and on disk.
func (c *PolicyCache) save(domain string, p *Policy, now time.Time) {
	e := &cachedEntry{Domain: domain, Policy: p, FetchedUnix: now.Unix()}

	c.mu.Lock()
	c.entries[domain] = e
	c.mu.Unlock()

	_ = c.st.Put(e.Domain, e)
}

// PeriodicallyRefresh re-fetches every known domain's policy once an hour,
// whether or not it has expired, so Fetch rarely blocks a delivery attempt
// on a live HTTPS GET. Mirrors chasquid's queue.Run periodic-tick idiom.
func (c *PolicyCache) PeriodicallyRefresh(ctx context.Context) {
	tr := trace.New("STS.PolicyCache", "refresh")
	defer tr.Finish()

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshAll(ctx, tr)
		}
	}
}

func (c *PolicyCache) refreshAll(ctx context.Context, tr *trace.Trace) {
	c.mu.Lock()
	domains := make([]string, 0, len(c.entries))
	for d := range c.entries {
		domains = append(domains, d)
	}
	c.mu.Unlock()

	for _, domain := range domains {
		p, err := Fetch(ctx, domain)
		if err != nil {
			tr.Debugf("refresh %s: %v", domain, err)
			continue
		}
		c.save(domain, p, time.Now())
	}
}

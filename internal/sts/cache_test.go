package sts

import (
	"testing"
	"time"

	"kannader.org/kannader/internal/testlib"
)

func TestCachePersistsAcrossReopen(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	c, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}

	p := &Policy{Version: "STSv1", Mode: Enforce, MXs: []string{"mx.example.com"}, MaxAge: time.Hour}
	c.save("example.com", p, time.Now())

	c2, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}

	c2.mu.Lock()
	e, ok := c2.entries["example.com"]
	c2.mu.Unlock()
	if !ok {
		t.Fatal("cached entry not reloaded from disk")
	}
	if e.Policy.Mode != Enforce || len(e.Policy.MXs) != 1 || e.Policy.MXs[0] != "mx.example.com" {
		t.Errorf("reloaded policy mismatch: %+v", e.Policy)
	}
}

func TestCachedEntryExpiry(t *testing.T) {
	p := &Policy{MaxAge: time.Minute}
	fresh := &cachedEntry{Policy: p, FetchedUnix: time.Now().Unix()}
	if fresh.expired(time.Now()) {
		t.Error("freshly fetched entry reported as expired")
	}

	stale := &cachedEntry{Policy: p, FetchedUnix: time.Now().Add(-2 * time.Minute).Unix()}
	if !stale.expired(time.Now()) {
		t.Error("old entry not reported as expired")
	}
}

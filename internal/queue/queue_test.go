package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"kannader.org/kannader/internal/policy"
	"kannader.org/kannader/internal/policy/native"
	"kannader.org/kannader/internal/relay"
)

type recordingCourier struct {
	mu        sync.Mutex
	delivered []string
}

func (c *recordingCourier) Deliver(from, to string, data []byte) (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, to)
	return nil, false
}

func newTestQueue(t *testing.T) (*Queue, *recordingCourier) {
	t.Helper()
	dir := t.TempDir()

	np := native.New("mx.example.com", 1<<20)
	np.LocalDomains.Add("example.com")
	np.AliasesR.AddDomain("example.com")

	pool := policy.NewPool([]policy.Instance{np})
	c := &recordingCourier{}
	r := relay.New(c)

	q, err := New(dir, pool, r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q, c
}

func TestPutCreatesOnDiskLayout(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	mailID, err := q.Put(ctx, "sender@other.example", []string{"juan@example.com"},
		[][]byte{[]byte("meta")}, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if mailID == "" {
		t.Fatalf("got empty mail ID")
	}
	if q.Len() != 1 {
		t.Fatalf("got %d entries, want 1", q.Len())
	}
}

func TestAttemptDeliversAndFinishes(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Put(ctx, "sender@other.example", []string{"juan@example.com"},
		[][]byte{[]byte("meta")}, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	e := mustGetOnly(t, q)
	q.attempt(ctx, e)

	c.mu.Lock()
	delivered := append([]string(nil), c.delivered...)
	c.mu.Unlock()

	if len(delivered) != 1 || delivered[0] != "juan@example.com" {
		t.Errorf("got delivered=%v, want [juan@example.com]", delivered)
	}
	if q.Len() != 0 {
		t.Errorf("got %d remaining entries, want 0", q.Len())
	}
}

func TestLoadReconcilesOrphanedInflight(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Put(ctx, "sender@other.example", []string{"juan@example.com"},
		[][]byte{[]byte("meta")}, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	e := mustGetOnly(t, q)
	if err := e.claim(q); err != nil {
		t.Fatalf("claim: %v", err)
	}

	q2, c2 := newTestQueue(t)
	q2.root = q.root
	if err := q2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if q2.Len() != 1 {
		t.Fatalf("got %d entries after reconcile, want 1", q2.Len())
	}

	q2.attempt(ctx, mustGetOnly(t, q2))

	c2.mu.Lock()
	defer c2.mu.Unlock()
	if len(c2.delivered) != 1 {
		t.Errorf("got %d deliveries, want 1", len(c2.delivered))
	}
}

func TestPutRollsBackOnPartialFailure(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ids := []string{"mail1", "entryA", "entryB"}
	i := 0
	orig := newID
	newID = func() string {
		id := ids[i]
		i++
		return id
	}
	defer func() { newID = orig }()

	// Force the second recipient's entry directory creation to fail, by
	// pre-creating a plain file where its entry directory needs to go.
	mailDir := filepath.Join(q.dataDir(), "mail1")
	if err := os.MkdirAll(mailDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mailDir, "entryB"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := q.Put(ctx, "sender@other.example",
		[]string{"a@example.com", "b@example.com"},
		[][]byte{[]byte("m"), []byte("m")},
		[]byte("Subject: hi\r\n\r\nbody\r\n"))
	if err == nil {
		t.Fatalf("expected Put to fail")
	}

	if q.Len() != 0 {
		t.Errorf("got %d entries after rollback, want 0", q.Len())
	}
	if _, err := os.Lstat(filepath.Join(q.queueDir(), "entryA")); !os.IsNotExist(err) {
		t.Errorf("entryA symlink was not rolled back")
	}
	if _, err := os.Stat(mailDir); !os.IsNotExist(err) {
		t.Errorf("mail directory was not removed on rollback")
	}
}

func TestLoadRepublishesOrphanedEntry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Put(ctx, "sender@other.example", []string{"juan@example.com"},
		[][]byte{[]byte("meta")}, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Simulate a crash between creating the entry directory and
	// publishing its queue/ symlink: remove the symlink but leave the
	// on-disk entry behind.
	e := mustGetOnly(t, q)
	if err := os.Remove(filepath.Join(q.queueDir(), e.EntryID)); err != nil {
		t.Fatal(err)
	}

	q2, c2 := newTestQueue(t)
	q2.root = q.root
	if err := q2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if q2.Len() != 1 {
		t.Fatalf("got %d entries after republish, want 1", q2.Len())
	}

	q2.attempt(ctx, mustGetOnly(t, q2))
	c2.mu.Lock()
	defer c2.mu.Unlock()
	if len(c2.delivered) != 1 {
		t.Errorf("got %d deliveries, want 1", len(c2.delivered))
	}
}

func TestLoadResumesInterruptedCleanup(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Put(ctx, "sender@other.example", []string{"juan@example.com"},
		[][]byte{[]byte("meta")}, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	e := mustGetOnly(t, q)
	if err := e.claim(q); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Simulate a crash that landed between finish's two steps: the
	// cleanup/ marker was published, but the entry's files are still on
	// disk.
	if err := os.Rename(
		filepath.Join(q.inflightDir(), e.EntryID),
		filepath.Join(q.cleanupDir(), e.EntryID),
	); err != nil {
		t.Fatal(err)
	}

	q2 := &Queue{root: q.root, entries: map[string]*Entry{}, stop: make(chan struct{})}
	if err := q2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := os.Lstat(filepath.Join(q.cleanupDir(), e.EntryID)); !os.IsNotExist(err) {
		t.Errorf("cleanup marker was not consumed")
	}
	if _, err := os.Stat(q.entryDir(e.MailID, e.EntryID)); !os.IsNotExist(err) {
		t.Errorf("entry directory was not removed")
	}
	if q2.Len() != 0 {
		t.Errorf("got %d entries after resumed cleanup, want 0", q2.Len())
	}
}

func TestRescheduleDoesNotRewriteMetadata(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Put(ctx, "sender@other.example", []string{"juan@example.com"},
		[][]byte{[]byte("meta")}, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	e := mustGetOnly(t, q)
	if err := e.claim(q); err != nil {
		t.Fatalf("claim: %v", err)
	}

	before, err := os.Stat(e.metadataPath(q))
	if err != nil {
		t.Fatal(err)
	}

	e.reschedule(q, policy.Schedule{NextAttemptUnix: before.ModTime().Unix() + 60, AttemptCount: 1})

	after, err := os.Stat(e.metadataPath(q))
	if err != nil {
		t.Fatal(err)
	}
	if before.ModTime() != after.ModTime() {
		t.Errorf("metadata file was rewritten on reschedule")
	}

	reloaded, err := loadEntryFromDir(q, e.MailID, e.EntryID)
	if err != nil {
		t.Fatalf("loadEntryFromDir: %v", err)
	}
	if reloaded.Schedule.AttemptCount != 1 {
		t.Errorf("got AttemptCount %d, want 1", reloaded.Schedule.AttemptCount)
	}
}

func mustGetOnly(t *testing.T, q *Queue) *Entry {
	t.Helper()
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, v := range q.entries {
		return v
	}
	t.Fatalf("no entries")
	return nil
}

// Package queue implements the durable, on-disk mail queue: envelopes
// accepted by the server are persisted here and delivered
// asynchronously, surviving process restarts.
//
// Layout on disk, per spec §4.4:
//
//	<root>/data/<mailID>/contents              the immutable message body
//	<root>/data/<mailID>/<entryID>/metadata    opaque policy blob + recipient
//	<root>/data/<mailID>/<entryID>/schedule    next-attempt bookkeeping
//	<root>/queue/<entryID>     -> ../data/<mailID>/<entryID>   pending
//	<root>/inflight/<entryID>  -> ../data/<mailID>/<entryID>   claimed by a sender
//	<root>/cleanup/<entryID>   -> ../data/<mailID>/<entryID>   resolved, being torn down
//	<root>/mailgc/<mailID>     -> ../data/<mailID>             all entries gone, content GC
//
// An entry only ever has one live symlink at a time, and its name is the
// entry's state: Queued, Inflight, or Cleanup. State transitions are
// linearized through directory renames, which are atomic on the same
// filesystem: claiming an entry is "rename queue/X to inflight/X", and a
// concurrent claimant that loses the race gets ENOENT. Writing an
// entry/mail file, publishing a queue/ symlink (in Put and in Load's
// recovery) and moving an entry to cleanup/ are each followed by an
// fsync of the file and of the containing directory, so that a crash
// leaves one of these well-defined on-disk states rather than a
// half-written file with no pointer to it. The claim (queue/ to
// inflight/) and reschedule (inflight/ to queue/) renames are not
// fsynced; Load recovers from either side of them. There is no lock file
// and no in-memory mutex protecting entry state across processes; within
// one process, Queue's own map is guarded by a mutex exactly like
// chasquid's original queue.Queue.
//
// Grounded on internal/queue/queue.go's Queue/Item/SendLoop/nextDelay
// structure, generalized from a single "m:<id>" file per envelope to
// the symlink layout above, and from a built-in courier call to a
// policy.Instance-driven schedule_retry/build_bounce decision.
package queue

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"kannader.org/kannader/internal/expvarom"
	"kannader.org/kannader/internal/maillog"
	"kannader.org/kannader/internal/policy"
	"kannader.org/kannader/internal/relay"
	"kannader.org/kannader/internal/safeio"
	"kannader.org/kannader/internal/trace"
)

var (
	putCount = expvarom.NewInt("kannader/queue/putCount",
		"count of envelopes attempted to be put in the queue")
	itemsWritten = expvarom.NewInt("kannader/queue/itemsWritten",
		"count of entry files the queue wrote to disk")
	dsnQueued = expvarom.NewInt("kannader/queue/dsnQueued",
		"count of bounces that were generated and queued")
	deliverAttempts = expvarom.NewMap("kannader/queue/deliverAttempts",
		"result", "count of delivery attempts, by outcome")
)

var errQueueFull = fmt.Errorf("queue size too big, try again later")

// newID produces random, URL-safe identifiers for mails and entries. It's
// a variable, rather than a plain function, so tests can substitute a
// deterministic sequence to exercise specific collision/ordering
// scenarios.
var newID = func() string {
	buf := make([]byte, 10)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Queue keeps mail waiting for delivery and drives its retry schedule.
type Queue struct {
	root string

	policies *policy.Pool
	relay    *relay.Relay

	// MaxItems bounds how many entries (pending or being delivered) this
	// process holds before Put starts failing with errQueueFull.
	MaxItems int

	mu      sync.RWMutex
	entries map[string]*Entry // entryID -> Entry, only those known to this process

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Queue rooted at path, creating the directory layout if
// it doesn't already exist.
func New(path string, policies *policy.Pool, r *relay.Relay) (*Queue, error) {
	q := &Queue{
		root:     path,
		policies: policies,
		relay:    r,
		MaxItems: 10000,
		entries:  map[string]*Entry{},
		stop:     make(chan struct{}),
	}

	for _, dir := range []string{q.dataDir(), q.queueDir(), q.inflightDir(), q.cleanupDir(), q.mailGCDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}

	return q, nil
}

func (q *Queue) dataDir() string     { return filepath.Join(q.root, "data") }
func (q *Queue) queueDir() string    { return filepath.Join(q.root, "queue") }
func (q *Queue) inflightDir() string { return filepath.Join(q.root, "inflight") }
func (q *Queue) cleanupDir() string  { return filepath.Join(q.root, "cleanup") }
func (q *Queue) mailGCDir() string   { return filepath.Join(q.root, "mailgc") }

func (q *Queue) mailDir(mailID string) string  { return filepath.Join(q.dataDir(), mailID) }
func (q *Queue) entryDir(mailID, entryID string) string {
	return filepath.Join(q.mailDir(mailID), entryID)
}

// Len returns the number of entries this process currently knows about.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Put enqueues a message for one or more recipients. metadata must have
// the same length and order as recipients, and holds the per-recipient
// opaque blob the policy's data_end hook returned.
//
// Put either publishes the whole mail -- contents plus every recipient's
// entry -- or leaves no trace of it at all: if any step for any
// recipient fails, every symlink and entry directory already published
// for earlier recipients of this same mail is rolled back before the
// error is returned, so a caller that reports the enqueue as failed is
// never lying to the client about mail that will actually be delivered.
func (q *Queue) Put(ctx context.Context, from string, recipients []string, metadataBlobs [][]byte, body []byte) (_ string, err error) {
	tr := trace.New("Queue.Put", from)
	defer tr.Finish()

	if n := q.Len(); n >= q.MaxItems {
		tr.Errorf("queue full (%d entries)", n)
		return "", errQueueFull
	}
	putCount.Add(1)

	mailID := newID()
	published := make([]string, 0, len(recipients))

	defer func() {
		if err == nil {
			return
		}
		q.mu.Lock()
		for _, id := range published {
			delete(q.entries, id)
		}
		q.mu.Unlock()
		for _, id := range published {
			os.Remove(filepath.Join(q.queueDir(), id))
		}
		os.RemoveAll(q.mailDir(mailID))
	}()

	if err = os.MkdirAll(q.mailDir(mailID), 0700); err != nil {
		return "", err
	}
	if err = safeio.WriteFile(filepath.Join(q.mailDir(mailID), "contents"), body, 0600); err != nil {
		return "", tr.Errorf("failed to write contents: %v", err)
	}
	if err = safeio.SyncDir(q.mailDir(mailID)); err != nil {
		return "", tr.Errorf("failed to sync mail directory: %v", err)
	}

	for i, rcpt := range recipients {
		entryID := newID()
		e := &Entry{
			MailID:    mailID,
			EntryID:   entryID,
			From:      from,
			To:        rcpt,
			Metadata:  metadataBlobs[i],
			CreatedAt: time.Now(),
			Schedule: policy.Schedule{
				NextAttemptUnix: time.Now().Unix(),
			},
		}

		if err = os.MkdirAll(q.entryDir(mailID, entryID), 0700); err != nil {
			return "", err
		}
		if err = e.saveMetadata(q); err != nil {
			return "", tr.Errorf("failed to write entry metadata: %v", err)
		}
		if err = e.saveSchedule(q); err != nil {
			return "", tr.Errorf("failed to write entry schedule: %v", err)
		}
		if err = safeio.SyncDir(q.entryDir(mailID, entryID)); err != nil {
			return "", tr.Errorf("failed to sync entry directory: %v", err)
		}
		itemsWritten.Add(1)

		if err = os.Symlink(
			filepath.Join("..", "data", mailID, entryID),
			filepath.Join(q.queueDir(), entryID),
		); err != nil {
			return "", tr.Errorf("failed to publish entry: %v", err)
		}
		if err = safeio.SyncDir(q.queueDir()); err != nil {
			return "", tr.Errorf("failed to sync queue directory: %v", err)
		}

		q.mu.Lock()
		q.entries[entryID] = e
		q.mu.Unlock()
		published = append(published, entryID)

		tr.Debugf("queued entry %s for %s", entryID, rcpt)
	}

	return mailID, nil
}

// Load recovers queue state from disk on startup. Four kinds of
// crash-interrupted state get reconciled, in order:
//
//  1. reconcileInflight: orphaned inflight/ entries (claimed by a sender
//     that never finished) are republished to queue/ -- a crashed
//     attempt is indistinguishable from one that simply hasn't run yet,
//     so the safe choice is to retry it.
//  2. resumeCleanup: entries still parked under cleanup/ (send_done was
//     interrupted after publishing the marker but before the entry's
//     files were removed) have their cleanup finished.
//  3. runMailGC: mails marked for content GC that never got deleted are
//     removed now.
//  4. republishOrphans: entry directories under data/ with no live
//     symlink anywhere (a crash between creating the entry and
//     publishing its queue/ symlink) are republished to queue/, per the
//     "publish unconditionally" recovery decision -- an orphan on disk
//     never reached a client acknowledgement, so the only safe action is
//     to send it, possibly again, rather than drop it.
//
// Every pending entry left in queue/ afterwards is loaded into memory
// and becomes eligible for the scheduler loop.
func (q *Queue) Load() error {
	if err := q.reconcileInflight(); err != nil {
		return err
	}
	if err := q.resumeCleanup(); err != nil {
		return err
	}
	if err := q.runMailGC(); err != nil {
		return err
	}
	if err := q.republishOrphans(); err != nil {
		return err
	}

	links, err := ioutil.ReadDir(q.queueDir())
	if err != nil {
		return err
	}

	for _, link := range links {
		entryID := link.Name()
		e, err := loadEntry(q, entryID)
		if err != nil {
			log.Errorf("queue: dropping unreadable entry %q: %v", entryID, err)
			continue
		}

		q.mu.Lock()
		q.entries[entryID] = e
		q.mu.Unlock()
	}

	return nil
}

// reconcileInflight moves every symlink left in inflight/ back to
// queue/, per the orphan-reconciliation decision in spec §9: an entry
// that was claimed but never completed is republished rather than
// dropped, since dropping mail is worse than delivering it twice.
func (q *Queue) reconcileInflight() error {
	links, err := ioutil.ReadDir(q.inflightDir())
	if err != nil {
		return err
	}

	for _, link := range links {
		id := link.Name()
		oldPath := filepath.Join(q.inflightDir(), id)
		newPath := filepath.Join(q.queueDir(), id)
		if err := os.Rename(oldPath, newPath); err != nil {
			log.Errorf("queue: failed to reconcile orphaned inflight entry %q: %v", id, err)
			continue
		}
		safeio.SyncDir(q.queueDir())
	}

	return nil
}

// resumeCleanup finishes any send_done sequence interrupted mid-cleanup:
// an entry whose symlink was already moved to cleanup/ before the crash
// still has its files on disk, and finishCleanup is safe to run on it
// again.
func (q *Queue) resumeCleanup() error {
	links, err := ioutil.ReadDir(q.cleanupDir())
	if err != nil {
		return err
	}

	for _, link := range links {
		entryID := link.Name()
		target, err := os.Readlink(filepath.Join(q.cleanupDir(), entryID))
		if err != nil {
			log.Errorf("queue: failed to resolve cleanup entry %q: %v", entryID, err)
			continue
		}
		mailID := filepath.Base(filepath.Dir(target))

		tr := trace.New("Queue.ResumeCleanup", entryID)
		q.finishCleanup(mailID, entryID, tr)
		tr.Finish()
	}

	return nil
}

// runMailGC removes the on-disk mail directory for every mail marked
// ready in mailgc/, a step that may have been interrupted by a crash and
// is safe to repeat.
func (q *Queue) runMailGC() error {
	links, err := ioutil.ReadDir(q.mailGCDir())
	if err != nil {
		return err
	}

	for _, link := range links {
		mailID := link.Name()
		if err := os.RemoveAll(q.mailDir(mailID)); err != nil {
			log.Errorf("queue: failed to clean up mail %q: %v", mailID, err)
			continue
		}
		os.Remove(filepath.Join(q.mailGCDir(), mailID))
	}

	return nil
}

// republishOrphans scans data/ for entry directories with no live
// symlink in queue/, inflight/, or cleanup/, and publishes a queue/
// symlink for each one found. See the Load doc comment for why this is
// the mandatory recovery path rather than discarding them.
func (q *Queue) republishOrphans() error {
	mailDirs, err := ioutil.ReadDir(q.dataDir())
	if err != nil {
		return err
	}

	live := map[string]bool{}
	for _, dir := range []string{q.queueDir(), q.inflightDir(), q.cleanupDir()} {
		links, err := ioutil.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, link := range links {
			live[link.Name()] = true
		}
	}

	for _, md := range mailDirs {
		if !md.IsDir() {
			continue
		}
		mailID := md.Name()

		entries, err := ioutil.ReadDir(q.mailDir(mailID))
		if err != nil {
			log.Errorf("queue: failed to scan mail directory %q: %v", mailID, err)
			continue
		}

		for _, ent := range entries {
			if !ent.IsDir() {
				continue // "contents" is a file, not an entry
			}
			entryID := ent.Name()
			if live[entryID] {
				continue
			}

			log.Errorf("queue: republishing orphaned entry %q (mail %q), found with no live symlink", entryID, mailID)
			err := os.Symlink(
				filepath.Join("..", "data", mailID, entryID),
				filepath.Join(q.queueDir(), entryID),
			)
			if err != nil && !os.IsExist(err) {
				log.Errorf("queue: failed to republish orphaned entry %q: %v", entryID, err)
				continue
			}
			safeio.SyncDir(q.queueDir())
		}
	}

	return nil
}

// Run starts the scheduler loop, which periodically scans for
// ready-to-send entries and dispatches them. It blocks until ctx is
// cancelled or Close is called.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
			q.dispatchReady(ctx)
		}
	}
}

func (q *Queue) dispatchReady(ctx context.Context) {
	now := time.Now().Unix()

	q.mu.RLock()
	ready := make([]*Entry, 0)
	for _, e := range q.entries {
		if e.Schedule.NextAttemptUnix <= now {
			ready = append(ready, e)
		}
	}
	q.mu.RUnlock()

	for _, e := range ready {
		q.wg.Add(1)
		go func(e *Entry) {
			defer q.wg.Done()
			q.attempt(ctx, e)
		}(e)
	}
}

// attempt claims, delivers, and resolves one entry: exactly the
// "send_start / deliver / send_done-or-reschedule-or-bounce" sequence
// from spec §4.4.
func (q *Queue) attempt(ctx context.Context, e *Entry) {
	tr := trace.New("Queue.Attempt", e.EntryID)
	defer tr.Finish()

	if err := e.claim(q); err != nil {
		// Another goroutine (or, in principle, another process sharing
		// this queue root) already claimed it.
		tr.Debugf("entry already claimed: %v", err)
		return
	}

	outcome := q.relay.Deliver(e.From, e.To, e.body(q))

	switch outcome.Kind {
	case relay.Success:
		deliverAttempts.Add("success", 1)
		maillog.SendAttempt(e.MailID, e.From, e.To, nil, false)
		q.finish(ctx, e, tr)

	case relay.PermanentFailure:
		deliverAttempts.Add("permanent_failure", 1)
		maillog.SendAttempt(e.MailID, e.From, e.To, fmt.Errorf(outcome.Reason), true)
		q.scheduleOrBounce(ctx, e, tr, policy.FailurePermanent, outcome.Reason)

	default:
		deliverAttempts.Add("transient_failure", 1)
		maillog.SendAttempt(e.MailID, e.From, e.To, fmt.Errorf(outcome.Reason), false)
		q.scheduleOrBounce(ctx, e, tr, policy.FailureTransient, outcome.Reason)
	}
}

func (q *Queue) scheduleOrBounce(ctx context.Context, e *Entry, tr *trace.Trace, kind policy.FailureKind, reason string) {
	inst, err := q.policies.Get(ctx)
	if err != nil {
		tr.Errorf("no policy instance available: %v", err)
		e.reschedule(q, policy.Schedule{
			NextAttemptUnix: time.Now().Add(fallbackDelay(e.Schedule.AttemptCount)).Unix(),
			LastAttemptUnix: time.Now().Unix(),
			AttemptCount:    e.Schedule.AttemptCount + 1,
		})
		return
	}
	defer q.policies.Put(inst)

	rd, err := inst.ScheduleRetry(ctx, e.Metadata, e.Schedule, kind)
	if err != nil {
		tr.Errorf("schedule_retry failed: %v", err)
		e.reschedule(q, policy.Schedule{
			NextAttemptUnix: time.Now().Add(fallbackDelay(e.Schedule.AttemptCount)).Unix(),
			LastAttemptUnix: time.Now().Unix(),
			AttemptCount:    e.Schedule.AttemptCount + 1,
		})
		return
	}

	if !rd.Bounce {
		e.reschedule(q, rd.Schedule)
		maillog.QueueLoop(e.MailID, e.From, time.Until(time.Unix(rd.Schedule.NextAttemptUnix, 0)))
		return
	}

	q.bounce(ctx, inst, e, tr, reason)
}

func (q *Queue) bounce(ctx context.Context, inst policy.Instance, e *Entry, tr *trace.Trace, reason string) {
	if e.From == "" {
		// Never bounce a bounce.
		tr.Printf("dropping undeliverable bounce for %s", e.To)
		q.finish(ctx, e, tr)
		return
	}

	b, err := inst.BuildBounce(ctx, e.Metadata, reason)
	if err != nil {
		tr.Errorf("build_bounce failed: %v", err)
		q.finish(ctx, e, tr)
		return
	}

	id, err := q.Put(ctx, b.Sender, []string{b.Recipient}, [][]byte{nil}, b.Body)
	if err != nil {
		tr.Errorf("failed to queue bounce: %v", err)
	} else {
		tr.Printf("queued bounce %s", id)
		dsnQueued.Add(1)
	}

	q.finish(ctx, e, tr)
}

// finish performs the send_done transition for a fully-resolved entry
// (delivered, or bounced): it is a resumable two-step sequence, not a
// direct delete. First the entry's symlink is moved from inflight/ to
// cleanup/ -- and fsynced -- which is the durable marker that this entry
// is done; only then are its files actually removed. A crash between
// those two steps leaves the cleanup/ marker behind, which Load's
// resumeCleanup finds and finishes on the next startup.
func (q *Queue) finish(ctx context.Context, e *Entry, tr *trace.Trace) {
	q.mu.Lock()
	delete(q.entries, e.EntryID)
	q.mu.Unlock()

	if err := os.Rename(
		filepath.Join(q.inflightDir(), e.EntryID),
		filepath.Join(q.cleanupDir(), e.EntryID),
	); err != nil {
		tr.Errorf("failed to mark entry for cleanup: %v", err)
		return
	}
	if err := safeio.SyncDir(q.cleanupDir()); err != nil {
		tr.Errorf("failed to sync cleanup directory: %v", err)
	}

	q.finishCleanup(e.MailID, e.EntryID, tr)
}

// finishCleanup deletes an entry's files and, if its mail has no entries
// left, marks the mail's contents for removal too. It is the second half
// of the resumable send_done sequence, and is idempotent: resumeCleanup
// calls it again, from scratch, for any entry it finds still parked
// under cleanup/ after a restart.
func (q *Queue) finishCleanup(mailID, entryID string, tr *trace.Trace) {
	from := ""
	if e, err := loadEntryFromDir(q, mailID, entryID); err == nil {
		from = e.From
	}

	os.RemoveAll(q.entryDir(mailID, entryID))
	os.Remove(filepath.Join(q.cleanupDir(), entryID))
	maillog.QueueLoop(mailID, from, 0)

	remaining, err := ioutil.ReadDir(q.mailDir(mailID))
	if err != nil {
		tr.Errorf("failed to check mail directory: %v", err)
		return
	}
	for _, f := range remaining {
		if f.Name() != "contents" {
			return // another entry for this mail is still pending
		}
	}

	if err := os.Symlink(
		filepath.Join("..", "data", mailID),
		filepath.Join(q.mailGCDir(), mailID),
	); err != nil && !os.IsExist(err) {
		tr.Errorf("failed to mark mail for cleanup: %v", err)
		return
	}
	os.RemoveAll(q.mailDir(mailID))
	os.Remove(filepath.Join(q.mailGCDir(), mailID))
}

// Close stops the scheduler loop and waits for in-flight attempts to
// finish.
func (q *Queue) Close() {
	close(q.stop)
	q.wg.Wait()
}

// fallbackDelay mirrors chasquid's nextDelay backoff curve, used only
// when the policy itself is unavailable to make the decision.
func fallbackDelay(attempt int64) time.Duration {
	var delay time.Duration
	switch {
	case attempt == 0:
		delay = 1 * time.Minute
	case attempt == 1:
		delay = 5 * time.Minute
	case attempt == 2:
		delay = 10 * time.Minute
	default:
		delay = 20 * time.Minute
	}
	return delay + time.Duration(rand.Int63n(int64(60*time.Second)))
}

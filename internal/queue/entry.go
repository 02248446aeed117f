package queue

import (
	"bytes"
	"encoding/gob"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"kannader.org/kannader/internal/policy"
	"kannader.org/kannader/internal/safeio"
)

// Entry is one (mail, recipient) pair waiting for delivery.
type Entry struct {
	MailID  string
	EntryID string

	From string
	To   string

	// Metadata is the opaque blob the data_end hook returned for this
	// recipient; it is round-tripped back to schedule_retry and
	// build_bounce verbatim.
	Metadata []byte

	CreatedAt time.Time
	Schedule  policy.Schedule
}

// metadataFile is the on-disk shape of an entry's metadata file: the
// sender/recipient and the opaque policy blob, written once at enqueue
// time. It is kept separate from the schedule file so that
// reschedule/send_cancel only ever need to rewrite the (much smaller,
// much hotter) schedule, never the sender/recipient/metadata.
type metadataFile struct {
	From      string
	To        string
	Metadata  []byte
	CreatedAt time.Time
}

func (e *Entry) metadataPath(q *Queue) string {
	return filepath.Join(q.entryDir(e.MailID, e.EntryID), "metadata")
}

func (e *Entry) schedulePath(q *Queue) string {
	return filepath.Join(q.entryDir(e.MailID, e.EntryID), "schedule")
}

// saveMetadata writes the entry's metadata file. Called once, when the
// entry is first created.
func (e *Entry) saveMetadata(q *Queue) error {
	var buf bytes.Buffer
	mf := metadataFile{
		From:      e.From,
		To:        e.To,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt,
	}
	if err := gob.NewEncoder(&buf).Encode(mf); err != nil {
		return err
	}
	return safeio.WriteFile(e.metadataPath(q), buf.Bytes(), 0600)
}

// saveSchedule writes the entry's schedule file. Called at creation and
// on every reschedule/send_cancel.
func (e *Entry) saveSchedule(q *Queue) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e.Schedule); err != nil {
		return err
	}
	return safeio.WriteFile(e.schedulePath(q), buf.Bytes(), 0600)
}

// loadEntryFromDir reads an entry directly from its (mailID, entryID)
// location, without requiring a live symlink anywhere -- used both by
// loadEntry (via queue/) and by cleanup resumption, where the only
// remaining pointer to the entry may be cleanup/, or nothing at all.
func loadEntryFromDir(q *Queue, mailID, entryID string) (*Entry, error) {
	e := &Entry{MailID: mailID, EntryID: entryID}

	raw, err := ioutil.ReadFile(e.metadataPath(q))
	if err != nil {
		return nil, err
	}
	var mf metadataFile
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&mf); err != nil {
		return nil, err
	}
	e.From = mf.From
	e.To = mf.To
	e.Metadata = mf.Metadata
	e.CreatedAt = mf.CreatedAt

	raw, err = ioutil.ReadFile(e.schedulePath(q))
	if err != nil {
		return nil, err
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e.Schedule); err != nil {
		return nil, err
	}

	return e, nil
}

// loadEntry reads an entry given its ID, by following the symlink that
// must already exist under queue/.
func loadEntry(q *Queue, entryID string) (*Entry, error) {
	linkPath := filepath.Join(q.queueDir(), entryID)
	target, err := os.Readlink(linkPath)
	if err != nil {
		return nil, err
	}

	// target is "../data/<mailID>/<entryID>".
	mailID := filepath.Base(filepath.Dir(target))

	return loadEntryFromDir(q, mailID, entryID)
}

// claim is the send_start transition: atomically moving the entry's
// symlink from queue/ to inflight/. A failure here means somebody else
// already claimed it.
func (e *Entry) claim(q *Queue) error {
	return os.Rename(
		filepath.Join(q.queueDir(), e.EntryID),
		filepath.Join(q.inflightDir(), e.EntryID),
	)
}

// reschedule is the send_cancel/reschedule transition: update only the
// persisted schedule file, then move the symlink back from inflight/ to
// queue/ so it becomes eligible for another attempt.
func (e *Entry) reschedule(q *Queue, sched policy.Schedule) {
	e.Schedule = sched

	if err := e.saveSchedule(q); err != nil {
		// The schedule file is stale, but the entry is still live; it
		// will simply retry sooner or later than intended.
		_ = err
	}

	q.mu.Lock()
	q.entries[e.EntryID] = e
	q.mu.Unlock()

	os.Rename(
		filepath.Join(q.inflightDir(), e.EntryID),
		filepath.Join(q.queueDir(), e.EntryID),
	)
}

// body reads the (shared, immutable) message contents for this entry's
// mail.
func (e *Entry) body(q *Queue) []byte {
	data, err := ioutil.ReadFile(filepath.Join(q.mailDir(e.MailID), "contents"))
	if err != nil {
		return nil
	}
	return data
}

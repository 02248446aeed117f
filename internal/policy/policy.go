// Package policy defines the abstract boundary between the core and the
// sandboxed configuration/policy plane: a set of named hooks, each taking
// a serialized request and returning a serialized decision, per spec
// §4.3.
//
// Two concrete runtimes implement Instance in this repository: a
// process-sandboxed one (internal/policy/process) that shells out to an
// external policy blob, grounded on chasquid's internal/localrpc
// named-dispatch transport and Conn.runPostDataHook's os/exec idiom; and
// an in-tree native reference policy (internal/policy/native) that
// implements every hook directly in Go.
package policy

import "context"

// Hook identifies one of the named hook points. Hook names are contracts,
// not Go identifiers, and must match exactly what a process-sandboxed
// policy blob expects on its wire.
type Hook string

// Server hooks, one per decision point in the interaction engine (§4.2).
const (
	ConnectionFilter Hook = "connection_filter"
	Helo             Hook = "helo"
	Ehlo             Hook = "ehlo"
	MailFrom         Hook = "mail_from"
	RcptTo           Hook = "rcpt_to"
	DataStart        Hook = "data_start"
	DataEnd          Hook = "data_end"
	Rset             Hook = "rset"
	Vrfy             Hook = "vrfy"
	Expn             Hook = "expn"
	Help             Hook = "help"
	Noop             Hook = "noop"
	Quit             Hook = "quit"
	Auth             Hook = "auth"
	StartTLS         Hook = "starttls"
)

// Queue hooks (§4.3).
const (
	ScheduleRetry Hook = "schedule_retry"
	BuildBounce   Hook = "build_bounce"
)

// Action is the verdict half of a Decision.
type Action int

const (
	// Accept continues the session / operation.
	Accept Action = iota
	// Reject emits the reply but keeps the connection (server hooks) or
	// treats the attempt as a normal failure (queue hooks).
	Reject
	// Kill emits the reply and closes the connection. Only meaningful
	// for server hooks.
	Kill
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Kill:
		return "kill"
	default:
		return "unknown"
	}
}

// Reply is the SMTP reply a Decision carries back to the client.
type Reply struct {
	Code     int
	Enhanced string
	Text     string
}

// Decision is what every server hook returns.
type Decision struct {
	Reply  Reply
	Action Action
}

// Envelope is the per-connection envelope state passed to hooks that need
// it (mail_from, rcpt_to, data_start, data_end).
type Envelope struct {
	RemoteAddr string
	EhloDomain string
	OnTLS      bool
	AuthUser   string // empty if not authenticated
	Sender     string
	Recipients []string
}

// DataEndRequest is the request for the data_end hook: the full envelope
// plus the committed (already dot-unstuffed) message body.
type DataEndRequest struct {
	Envelope Envelope
	Body     []byte
}

// DataEndResponse is the data_end hook's response: a Decision plus one
// opaque metadata blob per recipient, same order as Envelope.Recipients.
type DataEndResponse struct {
	Decision Decision
	Metadata [][]byte
}

// FailureKind classifies why a relay attempt failed, passed to
// schedule_retry so policy can decide backoff vs. bounce.
type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailurePermanent
)

// Schedule mirrors the queue entry's schedule fields (§3), passed to and
// returned from schedule_retry.
type Schedule struct {
	NextAttemptUnix int64
	LastAttemptUnix int64
	AttemptCount    int64
}

// RetryDecision is schedule_retry's response: either a concrete next
// schedule, or a verdict that the entry should be bounced instead.
type RetryDecision struct {
	Bounce   bool
	Schedule Schedule
}

// Bounce is build_bounce's response: a synthesized mail to enqueue
// addressed back to the original sender.
type Bounce struct {
	Sender    string
	Recipient string
	Body      []byte
}

// Instance is one policy sandbox instance: an opaque handle created at
// startup from a policy blob and configuration path (§4.3). It must be
// safe for concurrent use by multiple callers; implementations that
// cannot offer that internally should be fronted by a Pool instead.
type Instance interface {
	// Server invokes a server-hook decision point. arg is the command's
	// argument, empty for hooks that take none (such as noop and rset).
	Server(ctx context.Context, hook Hook, env Envelope, arg string) (Decision, error)

	// DataEnd invokes the data_end hook specifically, since its response
	// shape differs from the other server hooks.
	DataEnd(ctx context.Context, req DataEndRequest) (DataEndResponse, error)

	// ScheduleRetry invokes the schedule_retry queue hook.
	ScheduleRetry(ctx context.Context, metadata []byte, sched Schedule, kind FailureKind) (RetryDecision, error)

	// BuildBounce invokes the build_bounce queue hook.
	BuildBounce(ctx context.Context, metadata []byte, reason string) (Bounce, error)

	// Close releases any resources (subprocess, sockets) held by this
	// instance.
	Close() error
}

// Pool hands out Instances from a fixed set, treating them as fungible
// and interchangeable per the concurrency contract in spec §4.3: the
// core may call a PolicyInstance concurrently, and implementations that
// need single-threaded execution keep a pool of equivalent instances.
type Pool struct {
	instances []Instance
	next      chan int
}

// NewPool builds a Pool over the given instances. The pool takes
// ownership of them (Close closes all of them).
func NewPool(instances []Instance) *Pool {
	p := &Pool{instances: instances, next: make(chan int, len(instances))}
	for i := range instances {
		p.next <- i
	}
	return p
}

// Get borrows an instance; the caller must call Put when done. Blocks if
// every instance is currently checked out.
func (p *Pool) Get(ctx context.Context) (Instance, error) {
	select {
	case i := <-p.next:
		return p.instances[i], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns an instance to the pool. inst must be one this Pool handed
// out via Get.
func (p *Pool) Put(inst Instance) {
	for i, c := range p.instances {
		if c == inst {
			p.next <- i
			return
		}
	}
}

// Close closes every instance in the pool.
func (p *Pool) Close() error {
	var firstErr error
	for _, inst := range p.instances {
		if err := inst.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package native implements the in-tree reference policy: every hook of
// internal/policy is implemented directly in Go, wiring chasquid's own
// domain packages (auth, aliases, dkim, spf, domaininfo) instead of
// shelling out to an external blob. It doubles as the default
// "forwarder" policy and as the substrate the core's own test suite
// drives the server engine with, since it is goroutine-safe by
// construction and a policy.Pool of one instance suffices.
package native

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"strings"
	"time"

	"kannader.org/kannader/internal/aliases"
	"kannader.org/kannader/internal/auth"
	"kannader.org/kannader/internal/dkim"
	"kannader.org/kannader/internal/domaininfo"
	"kannader.org/kannader/internal/envelope"
	"kannader.org/kannader/internal/normalize"
	"kannader.org/kannader/internal/policy"
	"kannader.org/kannader/internal/set"
	"kannader.org/kannader/internal/spf"
	"kannader.org/kannader/internal/trace"
)

// Policy is the native reference policy instance. It implements
// policy.Instance directly: every method call is served in-process, with
// no subprocess or serialization boundary.
type Policy struct {
	Hostname    string
	MaxDataSize int64

	// GiveUpAfterAttempts bounds how many retry attempts schedule_retry grants
	// before converting a transient failure into a bounce, mirroring
	// chasquid's queue give-up behaviour.
	GiveUpAfterAttempts int64

	Authr        *auth.Authenticator
	AliasesR     *aliases.Resolver
	LocalDomains *set.String
	Dinfo        *domaininfo.DB

	// DKIMSigners maps a sending domain to the signer to use for mail
	// from that domain, mirroring chasquid's dkimSigners map in
	// smtpsrv.Server.
	DKIMSigners map[string]*dkim.Signer
}

// New returns a Policy with sane defaults for the fields the caller
// doesn't set explicitly.
func New(hostname string, maxDataSize int64) *Policy {
	return &Policy{
		Hostname:            hostname,
		MaxDataSize:         maxDataSize,
		GiveUpAfterAttempts: 8,
		Authr:               auth.NewAuthenticator(),
		AliasesR:            aliases.NewResolver(),
		LocalDomains:        set.NewString(),
		DKIMSigners:         map[string]*dkim.Signer{},
	}
}

// Close is a no-op: the native policy owns no subprocess or socket.
func (p *Policy) Close() error { return nil }

func accept(code int, enhanced, text string) policy.Decision {
	return policy.Decision{
		Reply:  policy.Reply{Code: code, Enhanced: enhanced, Text: text},
		Action: policy.Accept,
	}
}

func reject(code int, enhanced, text string) policy.Decision {
	return policy.Decision{
		Reply:  policy.Reply{Code: code, Enhanced: enhanced, Text: text},
		Action: policy.Reject,
	}
}

// Server implements every server hook except data_end (handled
// separately by DataEnd, since its response shape differs).
func (p *Policy) Server(ctx context.Context, hook policy.Hook, env policy.Envelope, arg string) (policy.Decision, error) {
	tr := trace.New("Policy.Native", string(hook))
	defer tr.Finish()

	switch hook {
	case policy.ConnectionFilter:
		return accept(220, "", p.Hostname+" ESMTP kannader"), nil

	case policy.Helo, policy.Ehlo:
		return accept(250, "", p.Hostname+" reporting for duty"), nil

	case policy.MailFrom:
		return p.mailFrom(ctx, env, tr), nil

	case policy.RcptTo:
		return p.rcptTo(env, arg, tr), nil

	case policy.DataStart:
		return accept(354, "", "Go ahead"), nil

	case policy.Rset:
		return accept(250, "2.0.0", "Ok"), nil

	case policy.Vrfy, policy.Expn:
		return reject(252, "2.5.2", "Cannot VRFY/EXPN, but will accept message"), nil

	case policy.Help:
		return accept(214, "", "https://tools.ietf.org/html/rfc5321"), nil

	case policy.Noop:
		return accept(250, "2.0.0", "Ok"), nil

	case policy.Quit:
		return accept(221, "2.0.0", p.Hostname+" closing connection"), nil

	case policy.Auth:
		return p.auth(arg), nil

	case policy.StartTLS:
		return accept(220, "", "Ready to start TLS"), nil

	default:
		return policy.Decision{}, fmt.Errorf("native: unknown hook %q", hook)
	}
}

func (p *Policy) mailFrom(ctx context.Context, env policy.Envelope, tr *trace.Trace) policy.Decision {
	if env.Sender == "" {
		// Null sender, used for bounces: always allowed.
		return accept(250, "2.1.0", "Sender OK")
	}

	_, domain := envelope.Split(env.Sender)
	spfPassed := false
	if ip := parseIP(hostFromAddr(env.RemoteAddr)); ip != nil {
		result, err := spf.CheckHost(ip, domain)
		tr.Debugf("spf for %s: %v (err=%v)", domain, result, err)
		if result == spf.Fail {
			return reject(550, "5.7.1", "SPF check failed")
		}
		spfPassed = result == spf.Pass
	}

	// Only ratchet the domain's observed security level once SPF has
	// actually confirmed the connection speaks for that domain; otherwise
	// anyone could raise (or downgrade-attack) any domain's level.
	if spfPassed && p.Dinfo != nil {
		level := domaininfo.SecLevel_PLAIN
		if env.OnTLS {
			level = domaininfo.SecLevel_TLS_SECURE
		}
		if !p.Dinfo.IncomingSecLevel(tr, domain, level) {
			return reject(550, "5.7.1", "Security level downgrade detected")
		}
	}

	return accept(250, "2.1.0", "Sender OK")
}

func (p *Policy) rcptTo(env policy.Envelope, arg string, tr *trace.Trace) policy.Decision {
	_ = env
	addr, err := normalize.Addr(arg)
	if err != nil {
		return reject(501, "5.1.3", "Malformed address")
	}

	_, domain := envelope.Split(addr)
	if p.LocalDomains != nil && p.LocalDomains.Has(domain) {
		if p.AliasesR != nil {
			if _, exists := p.AliasesR.Exists(addr); exists {
				return accept(250, "2.1.5", "Recipient OK")
			}
		}
		return reject(550, "5.1.1", "Unknown user")
	}

	// Relaying to a non-local domain requires an authenticated session.
	if env.AuthUser == "" {
		return reject(550, "5.7.1", "Relay access denied")
	}

	return accept(250, "2.1.5", "Recipient OK")
}

func (p *Policy) auth(arg string) policy.Decision {
	user, domain, passwd, err := auth.DecodeResponse(arg)
	if err != nil {
		return reject(501, "5.5.2", "Malformed auth response")
	}

	ok, err := p.Authr.Authenticate(user, domain, passwd)
	if err != nil || !ok {
		return reject(535, "5.7.8", "Authentication failed")
	}

	return accept(235, "2.7.0", "Authentication succeeded")
}

// metadata is the per-recipient blob this policy attaches at data_end,
// and reads back at schedule_retry/build_bounce time. It is opaque to
// the core beyond the sender/recipient fields it must carry per spec §3.
type metadata struct {
	Sender       string
	Recipient    string
	EhloDomain   string
	AuthUser     string
	ExtraHeaders []string
}

func encodeMetadata(m metadata) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		// metadata only contains strings and a string slice; encoding
		// cannot fail.
		panic(err)
	}
	return buf.Bytes()
}

func decodeMetadata(b []byte) (metadata, error) {
	var m metadata
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m)
	return m, err
}

// DataEnd signs the message (if a signer is registered for the sender's
// domain) and builds one metadata blob per recipient.
func (p *Policy) DataEnd(ctx context.Context, req policy.DataEndRequest) (policy.DataEndResponse, error) {
	tr := trace.New("Policy.Native", "data_end")
	defer tr.Finish()

	if int64(len(req.Body)) > p.MaxDataSize {
		return policy.DataEndResponse{
			Decision: reject(552, "5.3.4", "Message too large"),
		}, nil
	}

	var extra []string
	if _, domain := envelope.Split(req.Envelope.Sender); domain != "" {
		if signer, ok := p.DKIMSigners[domain]; ok {
			sig, err := signer.Sign(ctx, string(req.Body))
			if err != nil {
				tr.Errorf("dkim sign failed: %v", err)
			} else {
				extra = append(extra, "DKIM-Signature: "+sig)
			}
		}
	}

	meta := make([][]byte, len(req.Envelope.Recipients))
	for i, rcpt := range req.Envelope.Recipients {
		meta[i] = encodeMetadata(metadata{
			Sender:       req.Envelope.Sender,
			Recipient:    rcpt,
			EhloDomain:   req.Envelope.EhloDomain,
			AuthUser:     req.Envelope.AuthUser,
			ExtraHeaders: extra,
		})
	}

	return policy.DataEndResponse{
		Decision: accept(250, "2.0.0", "Ok: queued"),
		Metadata: meta,
	}, nil
}

// ScheduleRetry implements the backoff curve chasquid's queue.nextDelay
// uses, keyed off attempt count (since the native policy only sees the
// schedule, not the entry's original creation time).
func (p *Policy) ScheduleRetry(ctx context.Context, metadataBlob []byte, sched policy.Schedule, kind policy.FailureKind) (policy.RetryDecision, error) {
	if kind == policy.FailurePermanent {
		return policy.RetryDecision{Bounce: true}, nil
	}

	if sched.AttemptCount >= p.GiveUpAfterAttempts {
		return policy.RetryDecision{Bounce: true}, nil
	}

	var delay time.Duration
	switch {
	case sched.AttemptCount == 0:
		delay = 1 * time.Minute
	case sched.AttemptCount == 1:
		delay = 5 * time.Minute
	case sched.AttemptCount == 2:
		delay = 10 * time.Minute
	default:
		delay = 20 * time.Minute
	}

	now := time.Now()
	return policy.RetryDecision{
		Schedule: policy.Schedule{
			NextAttemptUnix: now.Add(delay).Unix(),
			LastAttemptUnix: now.Unix(),
			AttemptCount:    sched.AttemptCount + 1,
		},
	}, nil
}

// BuildBounce synthesizes a delivery-status-notification-like bounce
// message, adapted from chasquid's internal/queue/dsn.go down to a
// single-recipient failure (the queue only ever calls this once per
// failed entry).
func (p *Policy) BuildBounce(ctx context.Context, metadataBlob []byte, reason string) (policy.Bounce, error) {
	m, err := decodeMetadata(metadataBlob)
	if err != nil {
		return policy.Bounce{}, err
	}

	_, domain := envelope.Split(m.Sender)
	if domain == "" {
		domain = p.Hostname
	}

	body := fmt.Sprintf(
		"From: Mail Delivery System <postmaster@%s>\r\n"+
			"To: <%s>\r\n"+
			"Subject: Mail delivery failed: returning message to sender\r\n"+
			"Date: %s\r\n"+
			"Auto-Submitted: auto-replied\r\n"+
			"\r\n"+
			"Delivery of your message to %s failed permanently:\r\n\r\n"+
			"    %s\r\n",
		domain, m.Sender, time.Now().Format(time.RFC1123Z), m.Recipient, reason)

	return policy.Bounce{
		Sender:    "",
		Recipient: m.Sender,
		Body:      []byte(body),
	}, nil
}

func hostFromAddr(addr string) string {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return addr
	}
	return addr[:i]
}

func parseIP(s string) net.IP {
	return net.ParseIP(strings.Trim(s, "[]"))
}

// Package server implements the SMTP interaction engine: the
// session-level state machine that drives one client connection,
// delegating every decision point to a policy.Instance (§4.3). The
// engine itself answers command-sequencing and syntax errors, the
// error limit, timeouts and QUIT without consulting the policy.
//
// Grounded on chasquid's internal/smtpsrv Conn/Handle state machine,
// with every inline auth/aliases/spf/domaininfo call replaced by a hook
// invocation, and line parsing/DATA unstuffing delegated to
// internal/wire.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"kannader.org/kannader/internal/expvarom"
	"kannader.org/kannader/internal/haproxy"
	"kannader.org/kannader/internal/maillog"
	"kannader.org/kannader/internal/policy"
	"kannader.org/kannader/internal/queue"
	"kannader.org/kannader/internal/trace"
	"kannader.org/kannader/internal/wire"
)

var (
	commandCount = expvarom.NewMap("kannader/smtpIn/commandCount",
		"command", "count of SMTP commands received, by command")
	responseCodeCount = expvarom.NewMap("kannader/smtpIn/responseCodeCount",
		"code", "count of response codes returned to SMTP commands")
	hookResults = expvarom.NewMap("kannader/smtpIn/hookResults",
		"result", "count of policy hook invocations, by result")
)

// Conn handles a single SMTP session.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	tr *trace.Trace

	hostname string

	// TLS.
	tlsConfig    *tls.Config
	onTLS        bool
	tlsConnState *tls.ConnectionState

	remoteAddr net.Addr

	ehloDomain string
	authUser   string

	sender     string
	recipients []string

	policies *policy.Pool
	queue    *queue.Queue

	commandTimeout time.Duration
	maxDataSize    int64
	haproxyEnabled bool
}

// New creates a Conn ready to Handle the given network connection.
func New(nc net.Conn, hostname string, policies *policy.Pool, q *queue.Queue,
	tlsConfig *tls.Config, commandTimeout time.Duration, maxDataSize int64, haproxyEnabled bool) *Conn {
	return &Conn{
		conn:           nc,
		hostname:       hostname,
		policies:       policies,
		queue:          q,
		tlsConfig:      tlsConfig,
		commandTimeout: commandTimeout,
		maxDataSize:    maxDataSize,
		haproxyEnabled: haproxyEnabled,
	}
}

// Close the connection.
func (c *Conn) Close() { c.conn.Close() }

// Handle runs the session to completion: greeting, command loop, close.
func (c *Conn) Handle() {
	defer c.Close()

	c.tr = trace.New("SMTP.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()

	c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

	if tc, ok := c.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			c.tr.Errorf("TLS handshake failed: %v", err)
			return
		}
		cstate := tc.ConnectionState()
		c.tlsConnState = &cstate
		c.onTLS = true
	}

	c.reader = bufio.NewReader(c.conn)
	c.remoteAddr = c.conn.RemoteAddr()

	if c.haproxyEnabled {
		src, _, err := haproxy.Handshake(c.reader)
		if err != nil {
			c.tr.Errorf("haproxy handshake failed: %v", err)
			return
		}
		c.remoteAddr = src
	}

	d := c.decide(policy.ConnectionFilter, "")
	if !c.reply(d) {
		return
	}
	if d.Action == policy.Kill {
		return
	}

	errCount := 0
	for {
		c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

		line, err := c.readLine()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.tr.Debugf("command timeout")
				c.reply(reply(421, "4.4.2", "Timeout, bye"))
				return
			}
			if err != io.EOF {
				c.tr.Errorf("read error: %v", err)
			}
			return
		}

		cmd, _, perr := wire.ParseCommand(line)
		verb := cmd.Verb
		if perr == wire.ErrUnknownCommand {
			verb = "unknown"
		}
		commandCount.Add(verb, 1)

		var d policy.Decision
		switch {
		case perr == wire.ErrCommandTooLong:
			d = reply(500, "5.5.1", "Line too long")
		case perr == wire.ErrMalformedLine:
			d = reply(500, "5.5.2", "Malformed command")
		case perr == wire.ErrUnknownCommand:
			d = reply(500, "5.5.1", "Unknown command")
		default:
			d = c.dispatch(cmd)
		}

		if cmd.Verb == "QUIT" && perr == nil {
			c.reply(d)
			return
		}

		ok := c.reply(d)
		responseCodeCount.Add(fmt.Sprintf("%d", d.Reply.Code), 1)
		if !ok {
			return
		}
		if d.Action == policy.Kill {
			return
		}

		if d.Reply.Code >= 400 {
			errCount++
			if errCount >= 3 {
				c.reply(reply(421, "4.5.0", "Too many errors, bye"))
				return
			}
		}

		if cmd.Verb == "STARTTLS" && perr == nil && d.Action == policy.Accept {
			if !c.upgradeTLS() {
				return
			}
		}
	}
}

func (c *Conn) dispatch(cmd wire.Command) policy.Decision {
	switch cmd.Verb {
	case "HELO":
		c.ehloDomain = cmd.Params
		return c.decide(policy.Helo, cmd.Params)
	case "EHLO":
		c.ehloDomain = cmd.Params
		return c.decide(policy.Ehlo, cmd.Params)
	case "RSET":
		c.resetEnvelope()
		return c.decide(policy.Rset, "")
	case "VRFY":
		return c.decide(policy.Vrfy, cmd.Params)
	case "EXPN":
		return c.decide(policy.Expn, cmd.Params)
	case "HELP":
		return c.decide(policy.Help, cmd.Params)
	case "NOOP":
		return c.decide(policy.Noop, "")
	case "MAIL":
		return c.mail(cmd.Params)
	case "RCPT":
		return c.rcpt(cmd.Params)
	case "DATA":
		return c.data(cmd.Params)
	case "STARTTLS":
		if c.onTLS {
			return reply(503, "5.5.1", "Already on TLS, you sneaky snake")
		}
		return c.decide(policy.StartTLS, "")
	case "AUTH":
		return c.auth(cmd.Params)
	case "QUIT":
		return reply(221, "2.0.0", c.hostname+" closing connection")
	default:
		return reply(500, "5.5.1", "Unknown command")
	}
}

func (c *Conn) mail(params string) policy.Decision {
	if c.ehloDomain == "" {
		return reply(503, "5.5.1", "EHLO required")
	}
	addr, ok := parseMailRcptAddr(params, "FROM:")
	if !ok {
		return reply(501, "5.5.2", "Malformed MAIL command")
	}
	env := c.envelope()
	env.Sender = addr
	d := c.decideEnv(policy.MailFrom, env, addr)
	if d.Action == policy.Accept {
		c.sender = addr
		c.recipients = nil
	}
	return d
}

func (c *Conn) rcpt(params string) policy.Decision {
	if c.sender == "" {
		return reply(503, "5.5.1", "Sender not yet given")
	}
	addr, ok := parseMailRcptAddr(params, "TO:")
	if !ok {
		return reply(501, "5.5.2", "Malformed RCPT command")
	}
	env := c.envelope()
	d := c.decideEnv(policy.RcptTo, env, addr)
	if d.Action == policy.Accept {
		c.recipients = append(c.recipients, addr)
	}
	return d
}

func (c *Conn) data(params string) policy.Decision {
	if c.sender == "" {
		return reply(503, "5.5.1", "MAIL/RCPT required before DATA")
	}
	if len(c.recipients) == 0 {
		return reply(554, "5.5.1", "No recipients")
	}

	d := c.decide(policy.DataStart, "")
	if d.Action != policy.Accept {
		c.resetEnvelope()
		return d
	}
	if !c.reply(d) {
		return policy.Decision{Action: policy.Kill}
	}

	body, derr := c.readData()
	if derr != nil {
		c.resetEnvelope()
		switch derr {
		case wire.ErrMessageTooLarge:
			return reply(552, "5.3.4", "Message too large")
		case wire.ErrMalformedLine:
			return reply(500, "5.5.2", "Malformed data")
		default:
			// A connection-level I/O error: no reply can reach the client.
			return policy.Decision{Action: policy.Kill}
		}
	}

	env := c.envelope()
	req := policy.DataEndRequest{Envelope: env, Body: body}

	inst, err := c.policies.Get(c.sessionCtx())
	if err != nil {
		c.resetEnvelope()
		return reply(451, "4.5.0", "Policy unavailable")
	}
	resp, err := inst.DataEnd(c.sessionCtx(), req)
	c.policies.Put(inst)
	if err != nil {
		hookResults.Add("error", 1)
		c.resetEnvelope()
		return reply(451, "4.5.0", "Policy error")
	}
	hookResults.Add(resp.Decision.Action.String(), 1)

	if resp.Decision.Action != policy.Accept {
		c.resetEnvelope()
		return resp.Decision
	}

	mailID, err := c.queue.Put(c.sessionCtx(), env.Sender, env.Recipients, resp.Metadata, body)
	if err != nil {
		c.resetEnvelope()
		return reply(451, "4.5.0", "Failed to queue message")
	}

	maillog.Queued(c.remoteAddr, env.Sender, env.Recipients, mailID)
	c.resetEnvelope()
	return resp.Decision
}

func (c *Conn) auth(params string) policy.Decision {
	if !c.onTLS {
		return reply(503, "5.7.10", "Must STARTTLS before AUTH")
	}
	if c.authUser != "" {
		return reply(503, "5.5.1", "Already authenticated")
	}

	sp := strings.SplitN(params, " ", 2)
	if len(sp) == 0 || sp[0] != "PLAIN" {
		return reply(504, "5.7.4", "Unsupported authentication mechanism")
	}

	response := ""
	if len(sp) == 2 {
		response = sp[1]
	} else {
		if !c.reply(reply(334, "", "")) {
			return policy.Decision{Action: policy.Kill}
		}
		line, err := c.readLine()
		if err != nil {
			return policy.Decision{Action: policy.Kill}
		}
		response = strings.TrimRight(string(line), "\r\n")
	}

	d := c.decide(policy.Auth, response)
	if d.Action == policy.Accept {
		c.authUser = authUserFromPlainResponse(response)
	}
	return d
}

// authUserFromPlainResponse extracts the authentication identity out of a
// base64-encoded SASL PLAIN response ("\0user\0pass" or
// "authzid\0user\0pass"). The auth hook has already validated the
// credentials; this only recovers the identity for envelope tracking, the
// same way EHLO domain is tracked without re-deciding anything.
func authUserFromPlainResponse(response string) string {
	raw, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return ""
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

func (c *Conn) resetEnvelope() {
	c.sender = ""
	c.recipients = nil
}

func (c *Conn) envelope() policy.Envelope {
	return policy.Envelope{
		RemoteAddr: c.remoteAddr.String(),
		EhloDomain: c.ehloDomain,
		OnTLS:      c.onTLS,
		AuthUser:   c.authUser,
		Sender:     c.sender,
		Recipients: append([]string(nil), c.recipients...),
	}
}

func (c *Conn) upgradeTLS() bool {
	tlsConn := tls.Server(c.conn, c.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		c.tr.Errorf("STARTTLS handshake failed: %v", err)
		return false
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	cstate := tlsConn.ConnectionState()
	c.tlsConnState = &cstate
	c.onTLS = true
	c.resetEnvelope()
	c.ehloDomain = ""
	c.authUser = ""
	return true
}

func (c *Conn) readLine() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, fmt.Errorf("line not CRLF-terminated")
	}
	return line, nil
}

func (c *Conn) readData() ([]byte, error) {
	dec := wire.NewDataDecoder(c.maxDataSize)
	for !dec.Done() {
		chunk, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		if _, _, derr := dec.Feed(chunk); derr != nil {
			return nil, derr
		}
	}
	return dec.Bytes(), dec.Err()
}

// decide invokes a server hook with the session's current envelope.
func (c *Conn) decide(hook policy.Hook, arg string) policy.Decision {
	return c.decideEnv(hook, c.envelope(), arg)
}

func (c *Conn) decideEnv(hook policy.Hook, env policy.Envelope, arg string) policy.Decision {
	ctx := c.sessionCtx()
	inst, err := c.policies.Get(ctx)
	if err != nil {
		hookResults.Add("unavailable", 1)
		return reply(451, "4.5.0", "Policy unavailable")
	}
	defer c.policies.Put(inst)

	d, err := inst.Server(ctx, hook, env, arg)
	if err != nil {
		hookResults.Add("error", 1)
		return reply(451, "4.5.0", "Policy error")
	}
	hookResults.Add(d.Action.String(), 1)
	return d
}

func (c *Conn) sessionCtx() context.Context { return context.Background() }

// reply writes a Decision's reply to the client, returning false if the
// write failed (in which case the caller should close the connection).
func (c *Conn) reply(d policy.Decision) bool {
	if d.Reply.Code == 0 {
		return true
	}
	r := wire.Reply{Code: d.Reply.Code, Enhanced: d.Reply.Enhanced, Lines: []string{d.Reply.Text}}
	_, err := c.conn.Write(r.Serialize())
	if err != nil {
		c.tr.Errorf("write error: %v", err)
		return false
	}
	return true
}

func reply(code int, enhanced, text string) policy.Decision {
	return policy.Decision{Reply: policy.Reply{Code: code, Enhanced: enhanced, Text: text}, Action: policy.Accept}
}

// parseMailRcptAddr extracts the address out of a "FROM:<addr>" /
// "TO:<addr>" parameter string. prefix is matched case-insensitively.
func parseMailRcptAddr(params, prefix string) (string, bool) {
	up := strings.ToUpper(params)
	if !strings.HasPrefix(up, prefix) {
		return "", false
	}
	rest := strings.TrimSpace(params[len(prefix):])
	rest = strings.TrimPrefix(rest, "<")
	if i := strings.IndexByte(rest, '>'); i >= 0 {
		rest = rest[:i]
	} else if i := strings.IndexByte(rest, ' '); i >= 0 {
		rest = rest[:i]
	}
	return rest, true
}

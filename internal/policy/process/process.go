package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"kannader.org/kannader/internal/policy"
	"kannader.org/kannader/internal/trace"
)

// Instance is a process-sandboxed PolicyInstance: it keeps one long-lived
// subprocess (the "policy blob") running and exchanges framed binary
// requests/responses with it over stdin/stdout.
//
// Framing mirrors internal/localrpc's request line ("method args"),
// generalized to carry binary payloads: each message is a line
// containing the hook name and the payload length, followed by exactly
// that many raw bytes. There is no out-of-band multiplexing -- a single
// Instance handles one request at a time, by design (§4.3's concurrency
// contract expects a Pool of Instances for concurrent callers, exactly
// the way chasquid's auth.Authenticator pattern of "one serialized
// resource, pooled for concurrency" works).
type Instance struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Reader

	mu sync.Mutex
}

// Config describes how to launch a policy blob subprocess.
type Config struct {
	// Path to the policy blob binary.
	BlobPath string

	// Path to the policy configuration file, passed as the blob's sole
	// argument.
	ConfigPath string

	// Declared capabilities, passed via environment variables, mirroring
	// Conn.runPostDataHook's env-var capability-passing idiom.
	AllowRead  []string
	AllowWrite []string
}

// Start launches the policy blob subprocess and returns a ready Instance.
func Start(ctx context.Context, cfg Config) (*Instance, error) {
	cmd := exec.CommandContext(ctx, cfg.BlobPath, cfg.ConfigPath)
	cmd.Env = append(cmd.Env,
		"KANNADER_POLICY_ALLOW_READ="+joinPaths(cfg.AllowRead),
		"KANNADER_POLICY_ALLOW_WRITE="+joinPaths(cfg.AllowWrite),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: starting policy blob: %w", err)
	}

	return &Instance{
		cmd: cmd,
		in:  stdin,
		out: bufio.NewReader(stdout),
	}, nil
}

func joinPaths(paths []string) string {
	out := ""
	for i, p := range paths {
		if i > 0 {
			out += ":"
		}
		out += p
	}
	return out
}

// roundTrip sends one framed (hook, payload) request and returns the
// response payload. It serializes access to the subprocess: only one
// hook call may be in flight at a time per Instance.
func (p *Instance) roundTrip(ctx context.Context, hook policy.Hook, payload []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tr := trace.New("Policy.Process", string(hook))
	defer tr.Finish()

	// Pipes don't expose per-call deadlines, so cancellation is handled
	// by racing the blocking round trip against ctx.Done() below; a
	// cancelled call leaves its goroutine to finish against the pipe
	// and the result is simply discarded.
	done := make(chan error, 1)
	var resp []byte
	go func() {
		if err := writeFrame(p.in, string(hook), payload); err != nil {
			done <- err
			return
		}
		name, body, err := readFrame(p.out)
		if err != nil {
			done <- err
			return
		}
		if name != "ok" {
			done <- fmt.Errorf("process: policy blob error: %s", string(body))
			return
		}
		resp = body
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			tr.Error(err)
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func writeFrame(w io.Writer, name string, payload []byte) error {
	header := fmt.Sprintf("%s %d\n", name, len(payload))
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) (name string, payload []byte, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", nil, err
	}
	var n int
	if _, err := fmt.Sscanf(line, "%s %d", &name, &n); err != nil {
		return "", nil, fmt.Errorf("process: malformed frame header %q: %w", line, err)
	}
	payload = make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, err
	}
	return name, payload, nil
}

func (p *Instance) Server(ctx context.Context, hook policy.Hook, env policy.Envelope, arg string) (policy.Decision, error) {
	resp, err := p.roundTrip(ctx, hook, EncodeServerRequest(hook, env, arg))
	if err != nil {
		return policy.Decision{}, err
	}
	return DecodeServerResponse(resp)
}

func (p *Instance) DataEnd(ctx context.Context, req policy.DataEndRequest) (policy.DataEndResponse, error) {
	resp, err := p.roundTrip(ctx, policy.DataEnd, EncodeDataEndRequest(req))
	if err != nil {
		return policy.DataEndResponse{}, err
	}
	return DecodeDataEndResponse(resp)
}

func (p *Instance) ScheduleRetry(ctx context.Context, metadata []byte, sched policy.Schedule, kind policy.FailureKind) (policy.RetryDecision, error) {
	resp, err := p.roundTrip(ctx, policy.ScheduleRetry, EncodeScheduleRetryRequest(metadata, sched, kind))
	if err != nil {
		return policy.RetryDecision{}, err
	}
	return DecodeScheduleRetryResponse(resp)
}

func (p *Instance) BuildBounce(ctx context.Context, metadata []byte, reason string) (policy.Bounce, error) {
	resp, err := p.roundTrip(ctx, policy.BuildBounce, EncodeBuildBounceRequest(metadata, reason))
	if err != nil {
		return policy.Bounce{}, err
	}
	return DecodeBuildBounceResponse(resp)
}

// Close terminates the policy blob subprocess, giving it a short grace
// period before killing it.
func (p *Instance) Close() error {
	p.in.Close()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		p.cmd.Process.Kill()
		<-done
		return nil
	}
}

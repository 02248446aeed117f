package native

import (
	"context"
	"testing"

	"kannader.org/kannader/internal/aliases"
	"kannader.org/kannader/internal/policy"
)

func testPolicy() *Policy {
	p := New("mx.example.com", 1<<20)
	p.LocalDomains.Add("example.com")
	p.AliasesR.AddDomain("example.com")
	p.AliasesR.AddAliasForTesting("juan@example.com", "juan", aliases.EMAIL)
	return p
}

func TestServerHeloEhlo(t *testing.T) {
	p := testPolicy()
	ctx := context.Background()

	for _, hook := range []policy.Hook{policy.Helo, policy.Ehlo} {
		d, err := p.Server(ctx, hook, policy.Envelope{}, "client.example.org")
		if err != nil {
			t.Fatalf("%s: %v", hook, err)
		}
		if d.Action != policy.Accept || d.Reply.Code != 250 {
			t.Errorf("%s: got %+v, want accept/250", hook, d)
		}
	}
}

func TestRcptToLocalKnown(t *testing.T) {
	p := testPolicy()
	d, err := p.Server(context.Background(), policy.RcptTo, policy.Envelope{}, "juan@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != policy.Accept {
		t.Errorf("got %+v, want accept", d)
	}
}

func TestRcptToLocalUnknown(t *testing.T) {
	p := testPolicy()
	d, err := p.Server(context.Background(), policy.RcptTo, policy.Envelope{}, "nobody@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != policy.Reject {
		t.Errorf("got %+v, want reject", d)
	}
}

func TestRcptToRelayDeniedWithoutAuth(t *testing.T) {
	p := testPolicy()
	d, err := p.Server(context.Background(), policy.RcptTo, policy.Envelope{}, "someone@other.example")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != policy.Reject {
		t.Errorf("got %+v, want reject", d)
	}
}

func TestRcptToRelayAllowedWithAuth(t *testing.T) {
	p := testPolicy()
	env := policy.Envelope{AuthUser: "juan@example.com"}
	d, err := p.Server(context.Background(), policy.RcptTo, env, "someone@other.example")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != policy.Accept {
		t.Errorf("got %+v, want accept", d)
	}
}

func TestDataEndAndRetryAndBounceRoundTrip(t *testing.T) {
	p := testPolicy()
	ctx := context.Background()

	req := policy.DataEndRequest{
		Envelope: policy.Envelope{
			Sender:     "sender@other.example",
			Recipients: []string{"juan@example.com"},
		},
		Body: []byte("Subject: hi\r\n\r\nbody\r\n"),
	}

	resp, err := p.DataEnd(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision.Action != policy.Accept {
		t.Fatalf("data_end rejected: %+v", resp.Decision)
	}
	if len(resp.Metadata) != 1 {
		t.Fatalf("got %d metadata blobs, want 1", len(resp.Metadata))
	}

	sched := policy.Schedule{AttemptCount: 0}
	rd, err := p.ScheduleRetry(ctx, resp.Metadata[0], sched, policy.FailureTransient)
	if err != nil {
		t.Fatal(err)
	}
	if rd.Bounce {
		t.Fatalf("first attempt should not bounce")
	}
	if rd.Schedule.AttemptCount != 1 {
		t.Errorf("got attempt count %d, want 1", rd.Schedule.AttemptCount)
	}

	rd, err = p.ScheduleRetry(ctx, resp.Metadata[0], policy.Schedule{AttemptCount: p.GiveUpAfterAttempts}, policy.FailureTransient)
	if err != nil {
		t.Fatal(err)
	}
	if !rd.Bounce {
		t.Fatalf("should bounce after giving up")
	}

	bounce, err := p.BuildBounce(ctx, resp.Metadata[0], "all recipients failed")
	if err != nil {
		t.Fatal(err)
	}
	if bounce.Recipient != "sender@other.example" {
		t.Errorf("got recipient %q, want original sender", bounce.Recipient)
	}
	if bounce.Sender != "" {
		t.Errorf("got sender %q, want null sender", bounce.Sender)
	}
}

func TestAuthRejectsMalformedResponse(t *testing.T) {
	p := testPolicy()
	d, err := p.Server(context.Background(), policy.Auth, policy.Envelope{}, "not-base64!!")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != policy.Reject {
		t.Errorf("got %+v, want reject", d)
	}
}

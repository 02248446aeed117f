// Package process implements the process-sandboxed PolicyInstance runtime:
// it shells out to an external policy blob binary and exchanges hook
// requests/responses with it as length-prefixed binary protobuf over the
// subprocess's stdin/stdout.
//
// Grounded on two chasquid patterns: internal/localrpc's named-method,
// framed-request/response transport (generalized here from url.Values
// text to raw protobuf bytes), and internal/smtpsrv's
// Conn.runPostDataHook, which already shells out to an external binary
// and passes session context through explicit channels (there, env vars;
// here, the request message itself).
//
// The wire messages are encoded by hand with
// google.golang.org/protobuf/encoding/protowire -- the low-level API
// meant for exactly this: producing real protobuf wire bytes without
// requiring a .proto-generated descriptor.
package process

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"kannader.org/kannader/internal/policy"
)

// Field numbers for envelopeWire.
const (
	fEnvRemoteAddr = protowire.Number(1)
	fEnvEhlo       = protowire.Number(2)
	fEnvOnTLS      = protowire.Number(3)
	fEnvAuthUser   = protowire.Number(4)
	fEnvSender     = protowire.Number(5)
	fEnvRecipient  = protowire.Number(6) // repeated
)

func encodeEnvelope(b []byte, e policy.Envelope) []byte {
	b = appendString(b, fEnvRemoteAddr, e.RemoteAddr)
	b = appendString(b, fEnvEhlo, e.EhloDomain)
	b = appendBool(b, fEnvOnTLS, e.OnTLS)
	b = appendString(b, fEnvAuthUser, e.AuthUser)
	b = appendString(b, fEnvSender, e.Sender)
	for _, r := range e.Recipients {
		b = appendString(b, fEnvRecipient, r)
	}
	return b
}

func decodeEnvelope(buf []byte) (policy.Envelope, error) {
	var e policy.Envelope
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, n int64) error {
		switch num {
		case fEnvRemoteAddr:
			e.RemoteAddr = string(v)
		case fEnvEhlo:
			e.EhloDomain = string(v)
		case fEnvOnTLS:
			e.OnTLS = n != 0
		case fEnvAuthUser:
			e.AuthUser = string(v)
		case fEnvSender:
			e.Sender = string(v)
		case fEnvRecipient:
			e.Recipients = append(e.Recipients, string(v))
		}
		return nil
	})
	return e, err
}

// Field numbers for the server hook request message.
const (
	fReqHook protowire.Number = 1
	fReqEnv  protowire.Number = 2
	fReqArg  protowire.Number = 3
)

func EncodeServerRequest(hook policy.Hook, env policy.Envelope, arg string) []byte {
	var b []byte
	b = appendString(b, fReqHook, string(hook))
	b = appendBytes(b, fReqEnv, encodeEnvelope(nil, env))
	b = appendString(b, fReqArg, arg)
	return b
}

func DecodeServerRequest(buf []byte) (hook policy.Hook, env policy.Envelope, arg string, err error) {
	err = walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, n int64) error {
		switch num {
		case fReqHook:
			hook = policy.Hook(v)
		case fReqEnv:
			var derr error
			env, derr = decodeEnvelope(v)
			return derr
		case fReqArg:
			arg = string(v)
		}
		return nil
	})
	return
}

// Field numbers for the Decision message (shared by server-hook response
// and embedded inside the data_end response).
const (
	fDecCode     protowire.Number = 1
	fDecEnhanced protowire.Number = 2
	fDecText     protowire.Number = 3
	fDecAction   protowire.Number = 4
)

func encodeDecision(b []byte, d policy.Decision) []byte {
	b = appendVarint(b, fDecCode, uint64(d.Reply.Code))
	b = appendString(b, fDecEnhanced, d.Reply.Enhanced)
	b = appendString(b, fDecText, d.Reply.Text)
	b = appendVarint(b, fDecAction, uint64(d.Action))
	return b
}

func decodeDecision(buf []byte) (policy.Decision, error) {
	var d policy.Decision
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, n int64) error {
		switch num {
		case fDecCode:
			d.Reply.Code = int(n)
		case fDecEnhanced:
			d.Reply.Enhanced = string(v)
		case fDecText:
			d.Reply.Text = string(v)
		case fDecAction:
			d.Action = policy.Action(n)
		}
		return nil
	})
	return d, err
}

func EncodeServerResponse(d policy.Decision) []byte {
	return encodeDecision(nil, d)
}

func DecodeServerResponse(buf []byte) (policy.Decision, error) {
	return decodeDecision(buf)
}

// Field numbers for the data_end request/response.
const (
	fDEReqEnv  protowire.Number = 1
	fDEReqBody protowire.Number = 2

	fDERespDecision protowire.Number = 1
	fDERespMetadata protowire.Number = 2 // repeated
)

func EncodeDataEndRequest(req policy.DataEndRequest) []byte {
	var b []byte
	b = appendBytes(b, fDEReqEnv, encodeEnvelope(nil, req.Envelope))
	b = appendBytes(b, fDEReqBody, req.Body)
	return b
}

func DecodeDataEndRequest(buf []byte) (policy.DataEndRequest, error) {
	var req policy.DataEndRequest
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, n int64) error {
		switch num {
		case fDEReqEnv:
			env, derr := decodeEnvelope(v)
			if derr != nil {
				return derr
			}
			req.Envelope = env
		case fDEReqBody:
			req.Body = append([]byte(nil), v...)
		}
		return nil
	})
	return req, err
}

func EncodeDataEndResponse(resp policy.DataEndResponse) []byte {
	var b []byte
	b = appendBytes(b, fDERespDecision, encodeDecision(nil, resp.Decision))
	for _, m := range resp.Metadata {
		b = appendBytes(b, fDERespMetadata, m)
	}
	return b
}

func DecodeDataEndResponse(buf []byte) (policy.DataEndResponse, error) {
	var resp policy.DataEndResponse
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, n int64) error {
		switch num {
		case fDERespDecision:
			d, derr := decodeDecision(v)
			if derr != nil {
				return derr
			}
			resp.Decision = d
		case fDERespMetadata:
			resp.Metadata = append(resp.Metadata, append([]byte(nil), v...))
		}
		return nil
	})
	return resp, err
}

// Field numbers for schedule_retry request/response.
const (
	fSRReqMetadata protowire.Number = 1
	fSRReqNext     protowire.Number = 2
	fSRReqLast     protowire.Number = 3
	fSRReqCount    protowire.Number = 4
	fSRReqKind     protowire.Number = 5

	fSRRespBounce protowire.Number = 1
	fSRRespNext   protowire.Number = 2
	fSRRespLast   protowire.Number = 3
	fSRRespCount  protowire.Number = 4
)

func EncodeScheduleRetryRequest(metadata []byte, sched policy.Schedule, kind policy.FailureKind) []byte {
	var b []byte
	b = appendBytes(b, fSRReqMetadata, metadata)
	b = appendVarint(b, fSRReqNext, uint64(sched.NextAttemptUnix))
	b = appendVarint(b, fSRReqLast, uint64(sched.LastAttemptUnix))
	b = appendVarint(b, fSRReqCount, uint64(sched.AttemptCount))
	b = appendVarint(b, fSRReqKind, uint64(kind))
	return b
}

func DecodeScheduleRetryRequest(buf []byte) (metadata []byte, sched policy.Schedule, kind policy.FailureKind, err error) {
	err = walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, n int64) error {
		switch num {
		case fSRReqMetadata:
			metadata = append([]byte(nil), v...)
		case fSRReqNext:
			sched.NextAttemptUnix = n
		case fSRReqLast:
			sched.LastAttemptUnix = n
		case fSRReqCount:
			sched.AttemptCount = n
		case fSRReqKind:
			kind = policy.FailureKind(n)
		}
		return nil
	})
	return
}

func EncodeScheduleRetryResponse(resp policy.RetryDecision) []byte {
	var b []byte
	b = appendVarint(b, fSRRespBounce, boolToUint(resp.Bounce))
	b = appendVarint(b, fSRRespNext, uint64(resp.Schedule.NextAttemptUnix))
	b = appendVarint(b, fSRRespLast, uint64(resp.Schedule.LastAttemptUnix))
	b = appendVarint(b, fSRRespCount, uint64(resp.Schedule.AttemptCount))
	return b
}

func DecodeScheduleRetryResponse(buf []byte) (policy.RetryDecision, error) {
	var resp policy.RetryDecision
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, n int64) error {
		switch num {
		case fSRRespBounce:
			resp.Bounce = n != 0
		case fSRRespNext:
			resp.Schedule.NextAttemptUnix = n
		case fSRRespLast:
			resp.Schedule.LastAttemptUnix = n
		case fSRRespCount:
			resp.Schedule.AttemptCount = n
		}
		return nil
	})
	return resp, err
}

// Field numbers for build_bounce request/response.
const (
	fBBReqMetadata protowire.Number = 1
	fBBReqReason   protowire.Number = 2

	fBBRespSender    protowire.Number = 1
	fBBRespRecipient protowire.Number = 2
	fBBRespBody      protowire.Number = 3
)

func EncodeBuildBounceRequest(metadata []byte, reason string) []byte {
	var b []byte
	b = appendBytes(b, fBBReqMetadata, metadata)
	b = appendString(b, fBBReqReason, reason)
	return b
}

func DecodeBuildBounceRequest(buf []byte) (metadata []byte, reason string, err error) {
	err = walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, n int64) error {
		switch num {
		case fBBReqMetadata:
			metadata = append([]byte(nil), v...)
		case fBBReqReason:
			reason = string(v)
		}
		return nil
	})
	return
}

func EncodeBuildBounceResponse(bounce policy.Bounce) []byte {
	var b []byte
	b = appendString(b, fBBRespSender, bounce.Sender)
	b = appendString(b, fBBRespRecipient, bounce.Recipient)
	b = appendBytes(b, fBBRespBody, bounce.Body)
	return b
}

func DecodeBuildBounceResponse(buf []byte) (policy.Bounce, error) {
	var b policy.Bounce
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, v []byte, n int64) error {
		switch num {
		case fBBRespSender:
			b.Sender = string(v)
		case fBBRespRecipient:
			b.Recipient = string(v)
		case fBBRespBody:
			b.Body = append([]byte(nil), v...)
		}
		return nil
	})
	return b, err
}

//
// Low-level helpers over protowire.
//

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, boolToUint(v))
}

func boolToUint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// walkFields iterates every field in buf, decoding varint fields as int64
// (signed reinterpretation is the caller's job) and length-delimited
// fields as raw bytes.
func walkFields(buf []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n int64) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("process: invalid tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fmt.Errorf("process: invalid varint: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
			if err := fn(num, typ, nil, int64(v)); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fmt.Errorf("process: invalid length-delimited field: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return fmt.Errorf("process: invalid field: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return nil
}

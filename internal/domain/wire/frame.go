// Package wire defines the JSON frame protocol shared by every transport.
// The socket, the SSE stream and the inbox endpoint all speak exactly these
// shapes; transports differ only in how bytes move.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the only protocol version this gateway accepts.
const Version = 1

// Frame type identifiers.
const (
	TSessionStart   = "session.start"
	TSessionResume  = "session.resume"
	TSessionReady   = "session.ready"
	TConvSubscribe  = "conv.subscribe"
	TConvSend       = "conv.send"
	TConvAcked      = "conv.acked"
	TConvEvent      = "conv.event"
	TConvAck        = "conv.ack"
	TPing           = "ping"
	TPong           = "pong"
	TError          = "error"
	TPresenceUpdate = "presence.update"
)

// Frame is the envelope carried in both directions:
// {v:1, t:string, id?:string, ts?:u64, body:{...}}.
// Unknown fields are ignored on decode.
type Frame struct {
	V    int             `json:"v"`
	T    string          `json:"t"`
	ID   string          `json:"id,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Decode parses one frame and enforces the protocol version.
// Malformed JSON maps to invalid_request, a foreign version to
// unsupported_version.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, Invalid("malformed frame")
	}
	if f.V != Version {
		return Frame{}, NewError(CodeUnsupportedVersion, fmt.Sprintf("protocol version %d not supported", f.V))
	}
	if f.T == "" {
		return Frame{}, Invalid("missing frame type")
	}
	return f, nil
}

// NewFrame wraps a typed body into an envelope, stamping the current time.
// id correlates responses to requests and may be empty for unsolicited
// server pushes.
func NewFrame(t, id string, body any) (Frame, error) {
	f := Frame{V: Version, T: t, ID: id, Ts: time.Now().UnixMilli()}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s body: %w", t, err)
		}
		f.Body = raw
	}
	return f, nil
}

// Encode renders the frame back to bytes.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeBody unmarshals the frame body into the requested shape. Unknown
// body fields are ignored, missing ones are left at their zero value and
// validated by the caller.
func DecodeBody[T any](f Frame) (T, error) {
	var body T
	if len(f.Body) == 0 {
		return body, Invalid("missing frame body")
	}
	if err := json.Unmarshal(f.Body, &body); err != nil {
		return body, Invalid("malformed frame body")
	}
	return body, nil
}

// --- TYPED BODIES (client → server) ---

type SessionStart struct {
	AuthToken        string `json:"auth_token"`
	DeviceID         string `json:"device_id,omitempty"`
	DeviceCredential string `json:"device_credential,omitempty"`
}

// CursorHint is the deprecated exclusive resume hint. It maps to
// from_seq = after_seq+1 and never regresses a stored cursor.
type CursorHint struct {
	ConvID   string `json:"conv_id"`
	AfterSeq uint64 `json:"after_seq"`
}

type SessionResume struct {
	ResumeToken string      `json:"resume_token"`
	Cursor      *CursorHint `json:"cursor,omitempty"`
}

type ConvSubscribe struct {
	ConvID string `json:"conv_id"`
	// FromSeq nil means "use the stored cursor". AfterSeq is the legacy
	// exclusive form; when both are present FromSeq wins.
	FromSeq  *uint64 `json:"from_seq,omitempty"`
	AfterSeq *uint64 `json:"after_seq,omitempty"`
}

type ConvSend struct {
	ConvID string `json:"conv_id"`
	MsgID  string `json:"msg_id"`
	Env    []byte `json:"env"`
}

type ConvAck struct {
	ConvID string `json:"conv_id"`
	Seq    uint64 `json:"seq"`
}

// --- TYPED BODIES (server → client) ---

type CursorEntry struct {
	ConvID  string `json:"conv_id"`
	NextSeq uint64 `json:"next_seq"`
}

type SessionReady struct {
	SessionToken string        `json:"session_token"`
	ResumeToken  string        `json:"resume_token"`
	ExpiresAt    int64         `json:"expires_at"`
	Cursors      []CursorEntry `json:"cursors"`
}

type ConvAcked struct {
	ConvID string `json:"conv_id"`
	MsgID  string `json:"msg_id"`
	Seq    uint64 `json:"seq"`
}

type ConvEvent struct {
	ConvID        string `json:"conv_id"`
	Seq           uint64 `json:"seq"`
	MsgID         string `json:"msg_id"`
	Env           []byte `json:"env"`
	TsMs          int64  `json:"ts_ms,omitempty"`
	OriginGateway string `json:"origin_gateway,omitempty"`
}

type PresenceUpdate struct {
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
	ExpiresAt      int64  `json:"expires_at,omitempty"`
	LastSeenBucket string `json:"last_seen_bucket,omitempty"`
}

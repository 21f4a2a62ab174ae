// Package wire defines the typed command envelope, the length-prefixed
// frame codec both processes speak over the socket, the command table and
// the error taxonomy carried in reply frames.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	SchemaVersion   = "v1"
	DefaultMaxFrame = 1 << 20 // 1 MiB

	// HandshakeToken authorizes only exchange_key.
	HandshakeToken = "exchange_key"
)

type FrameType string

const (
	FrameProviderStatus FrameType = "provider_status"
	FrameCommand        FrameType = "command"
	FrameReply          FrameType = "reply"
	FrameProxy          FrameType = "proxy"
	FramePush           FrameType = "push"
	FramePushAck        FrameType = "push_ack"
	FrameListen         FrameType = "listen"
	FrameSample         FrameType = "sample"
	FrameGeofence       FrameType = "geofence"
)

// Frame is one message on the socket.
type Frame struct {
	SchemaVersion string    `json:"schema_version"`
	Type          FrameType `json:"type"`
	Seq           uint64    `json:"seq"`
	SentAt        time.Time `json:"sent_at"`
	Provider      string    `json:"provider,omitempty"`
	Token         string    `json:"token,omitempty"`
	OK            bool      `json:"ok,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	Envelope      *Envelope `json:"envelope,omitempty"`
}

func NewFrame(frameType FrameType, seq uint64) Frame {
	return Frame{
		SchemaVersion: SchemaVersion,
		Type:          FrameType(strings.TrimSpace(string(frameType))),
		Seq:           seq,
		SentAt:        time.Now().UTC(),
	}
}

// ReplyTo builds the reply frame for req carrying env and err.
func ReplyTo(req Frame, replyType FrameType, env *Envelope, err error) Frame {
	f := NewFrame(replyType, req.Seq)
	f.Provider = req.Provider
	f.Envelope = env
	f.OK = err == nil
	if err != nil {
		f.ErrorCode = Code(err)
		f.Error = err.Error()
	}
	return f
}

// Err returns the taxonomy error carried by a reply, or nil.
func (f Frame) Err() error {
	if f.OK {
		return nil
	}
	if f.ErrorCode == "" {
		return fmt.Errorf("%w: %s", ErrCommandRejected, f.Error)
	}
	return FromCode(f.ErrorCode, f.Error)
}

func (f Frame) Validate() error {
	if strings.TrimSpace(f.SchemaVersion) != SchemaVersion {
		return ErrUnsupportedVers
	}
	if strings.TrimSpace(string(f.Type)) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	switch f.Type {
	case FrameCommand, FramePush:
		if f.Envelope == nil {
			return fmt.Errorf("%w: %s requires an envelope", ErrInvalidFrame, f.Type)
		}
	}
	if f.Envelope != nil {
		if err := f.Envelope.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func WriteFrame(w io.Writer, f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > DefaultMaxFrame {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A body that decodes but fails
// validation is returned along with the error, so the reader can answer it
// under its seq.
func ReadFrame(r io.Reader, maxFrameSize int) (Frame, error) {
	limit := maxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrame
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}
	size := int(binary.BigEndian.Uint32(lenBuf[:]))
	if size <= 0 || size > limit {
		return Frame{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: decode frame: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}

package wire

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidFrame    = errors.New("wire: invalid frame")
	ErrFrameTooLarge   = errors.New("wire: frame too large")
	ErrUnsupportedVers = errors.New("wire: unsupported schema version")

	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrProviderDisabled     = errors.New("provider disabled")
	ErrHandshakeFailed      = errors.New("handshake failed")
	ErrCommandRejected      = errors.New("command rejected")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrStaleSession         = errors.New("stale session")
	ErrUnknownCommand       = errors.New("unknown command")
)

const (
	CodeTransportUnavailable = "transport_unavailable"
	CodeProviderDisabled     = "provider_disabled"
	CodeHandshakeFailed      = "handshake_failed"
	CodeCommandRejected      = "command_rejected"
	CodeInvalidArgument      = "invalid_argument"
	CodeStaleSession         = "stale_session"
	CodeUnknownCommand       = "unknown_command"
	CodeInvalidFrame         = "invalid_frame"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeTransportUnavailable, ErrTransportUnavailable},
	{CodeProviderDisabled, ErrProviderDisabled},
	{CodeHandshakeFailed, ErrHandshakeFailed},
	{CodeStaleSession, ErrStaleSession},
	{CodeUnknownCommand, ErrUnknownCommand},
	{CodeInvalidArgument, ErrInvalidArgument},
	{CodeCommandRejected, ErrCommandRejected},
	{CodeInvalidFrame, ErrInvalidFrame},
}

// Code maps err onto its stable wire code. Unclassified errors are
// reported as command_rejected.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeCommandRejected
}

// FromCode rebuilds a taxonomy error from a reply frame.
func FromCode(code, message string) error {
	if code == "" {
		return nil
	}
	for _, c := range codes {
		if c.code == code {
			if message == "" || message == c.err.Error() {
				return c.err
			}
			return fmt.Errorf("%w: %s", c.err, message)
		}
	}
	return fmt.Errorf("%w: %s: %s", ErrCommandRejected, code, message)
}

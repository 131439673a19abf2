package protocol

import "errors"

var (
	ErrInvalidPattern     = errors.New("protocol: invalid protocol pattern")
	ErrUnsupportedVersion = errors.New("protocol: unsupported protocol version")
	ErrUnknownKind        = errors.New("protocol: unknown frame kind")
	ErrPayloadTooLarge    = errors.New("protocol: payload too large")
	ErrUnexpectedKind     = errors.New("protocol: unexpected frame kind")
)

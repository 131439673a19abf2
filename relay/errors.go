package relay

import "errors"

var (
	ErrStopped = errors.New("relay: node stopped")
	ErrConfig  = errors.New("relay: configuration rejected")
	ErrBind    = errors.New("relay: bind failed")
)

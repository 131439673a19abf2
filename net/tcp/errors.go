package tcp

import "errors"

var (
	ErrRegistryFull   = errors.New("tcp: registry full")
	ErrRegistryClosed = errors.New("tcp: registry closed")
	ErrConnRegistered = errors.New("tcp: connection registered already")
	ErrNotRunning     = errors.New("tcp: not running")
)

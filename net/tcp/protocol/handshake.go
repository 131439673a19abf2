package protocol

import (
	"net"
	"time"
)

// Handshake reads the first frame of an accepted connection within timeout.
// The read deadline is cleared again on success.
func Handshake(conn net.Conn, timeout time.Duration, maxPayloadLen uint32) (*Frame, error) {
	conn.SetReadDeadline(time.Now().UTC().Add(timeout))

	frame, err := ReadFrame(conn, maxPayloadLen)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Time{})
	return frame, nil
}

package tcp

import (
	"io"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-relay/metrics"
)

func newPipeConnState(t *testing.T, connID uint32) *ConnState {
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	return &ConnState{
		ConnID:     connID,
		Conn:       server,
		Descriptor: "pipe",
	}
}

func TestRegistry_AddRemove(t *testing.T) {
	req := require.New(t)
	mx := metrics.New(nil)
	r := NewRegistry(0, mx.Registered)

	cs1 := newPipeConnState(t, 1)
	cs2 := newPipeConnState(t, 2)

	req.NoError(r.Add(cs2))
	req.NoError(r.Add(cs1))
	req.ErrorIs(r.Add(cs1), ErrConnRegistered)

	req.Equal(2, r.Len())
	req.True(r.Contains(1))
	req.Equal([]*ConnState{cs1, cs2}, r.Snapshot())
	req.Equal(float64(2), testutil.ToFloat64(mx.Registered))

	req.True(r.Remove(1))
	req.False(r.Remove(1))
	req.False(r.Contains(1))
	req.Equal(1, r.Len())
	req.Equal(float64(1), testutil.ToFloat64(mx.Registered))
}

func TestRegistry_Full(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(1, nil)

	req.NoError(r.Add(newPipeConnState(t, 1)))
	req.ErrorIs(r.Add(newPipeConnState(t, 2)), ErrRegistryFull)

	req.True(r.Remove(1))
	req.NoError(r.Add(newPipeConnState(t, 3)))
}

func TestRegistry_CloseAll(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(0, nil)

	cs1 := newPipeConnState(t, 1)
	cs2 := newPipeConnState(t, 2)
	req.NoError(r.Add(cs1))
	req.NoError(r.Add(cs2))

	// one connection already closed elsewhere
	req.NoError(cs2.Conn.Close())

	req.NoError(r.CloseAll())
	req.Zero(r.Len())

	_, err := cs1.Conn.Write([]byte{0})
	req.ErrorIs(err, io.ErrClosedPipe)

	req.ErrorIs(r.Add(newPipeConnState(t, 3)), ErrRegistryClosed)
}

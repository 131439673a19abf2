package tcp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-relay/metrics"
	tp "github.com/Meander-Cloud/go-relay/net/tcp/protocol"
)

func rawRegister() []byte {
	return tp.EncodeRegister()
}

func sendOnce(t *testing.T, address string, buf []byte) {
	err := tp.SendOnce(context.Background(), address, buf, time.Second, time.Second)
	require.NoError(t, err)
}

// expectClosed asserts the server closes conn without writing anything. A
// server closing with unread input resets the connection instead of EOF.
func expectClosed(t *testing.T, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)

	var netErr net.Error
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "connection left open")
	}
}

func TestListener_OneShot(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	address := f.bind(t)

	// Given a connection whose first frame is chat
	conn, err := net.Dial("tcp", address)
	req.NoError(err)
	defer conn.Close()
	_, err = conn.Write(chatFrame(t, "B", "hello"))
	req.NoError(err)

	// Then the chat is forwarded once
	r := f.next(t)
	req.Equal("[B] hello", r.messageStruct.Chat.String())
	req.True(r.cs.Registered.IsZero())

	// And the connection is closed without registering
	expectClosed(t, conn)
	req.Zero(f.registry.Len())
	req.Equal(float64(1), testutil.ToFloat64(f.options.Metrics.Accepted.WithLabelValues(metrics.KindOneShot)))
}

func TestListener_RegistrationStaysOpen(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	address := f.bind(t)

	conn, err := net.Dial("tcp", address)
	req.NoError(err)
	defer conn.Close()
	_, err = conn.Write(rawRegister())
	req.NoError(err)

	req.Eventually(func() bool {
		return f.registry.Len() == 1
	}, testTimeout, 10*time.Millisecond)

	// still open after the handshake
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = conn.Read(make([]byte, 1))
	var netErr net.Error
	req.ErrorAs(err, &netErr)
	req.True(netErr.Timeout())

	req.Equal(1, f.registry.Len())
	f.none(t)
}

func TestListener_RejectsBadFirstFrame(t *testing.T) {
	cases := map[string][]byte{
		"wrong marker": func() []byte {
			buf, _ := tp.EncodeFrame(tp.KindRegister, []byte("clientsDel"), 0)
			return buf
		}(),
		"garbage": []byte("GET / HTTP/1.1\r\n\r\n"),
	}

	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 0)
			address := f.bind(t)

			conn, err := net.Dial("tcp", address)
			require.NoError(t, err)
			defer conn.Close()
			_, err = conn.Write(buf)
			require.NoError(t, err)

			expectClosed(t, conn)
			require.Zero(t, f.registry.Len())
			f.none(t)
		})
	}
}

func TestListener_RegistryFull(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 1)
	address := f.bind(t)

	register(t, address, "first")
	req.Eventually(func() bool {
		return f.registry.Len() == 1
	}, testTimeout, 10*time.Millisecond)

	conn, err := net.Dial("tcp", address)
	req.NoError(err)
	defer conn.Close()
	_, err = conn.Write(rawRegister())
	req.NoError(err)

	expectClosed(t, conn)
	req.Equal(1, f.registry.Len())
	req.Equal(1, f.logs.FilterMessageSnippet("registration refused").Len())
}

func TestListener_RebindSamePort(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	address := f.bind(t)

	// Given repeated binds to the same address
	for i := 0; i < 5; i++ {
		addr, err := f.listener.Bind(address)
		req.NoError(err)
		req.Equal(address, addr.String())
	}

	// Then the node still serves on it
	sendOnce(t, address, chatFrame(t, "B", "after rebind"))
	req.Equal("after rebind", f.next(t).messageStruct.Chat.Text())

	// And no second socket lingers once unbound
	f.listener.Unbind()
	req.False(f.listener.Bound())

	ln, err := net.Listen("tcp", address)
	req.NoError(err)
	req.NoError(ln.Close())
}

func TestListener_BindFailureLeavesUnbound(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	previous := f.bind(t)

	// Given an address taken by someone else
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)
	defer taken.Close()

	// When binding to it
	_, err = f.listener.Bind(taken.Addr().String())
	req.Error(err)

	// Then the listener is Unbound and the previous socket was released
	req.Nil(f.listener.Addr())
	req.False(f.listener.Bound())

	ln, err := net.Listen("tcp", previous)
	req.NoError(err)
	req.NoError(ln.Close())

	// And a later bind is picked up by the accept loop
	address := freeAddress(t)
	_, err = f.listener.Bind(address)
	req.NoError(err)

	sendOnce(t, address, chatFrame(t, "B", "back"))
	req.Equal("back", f.next(t).messageStruct.Chat.Text())
}

func TestListener_Close(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	address := f.bind(t)

	// a handshake that never completes must not hold Close
	conn, err := net.Dial("tcp", address)
	req.NoError(err)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		f.listener.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Close did not return")
	}

	_, err = f.listener.Bind(address)
	req.ErrorIs(err, ErrNotRunning)
	req.Nil(f.listener.Addr())
}

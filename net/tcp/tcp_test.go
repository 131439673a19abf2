package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Meander-Cloud/go-relay/metrics"
	m "github.com/Meander-Cloud/go-relay/message"
	tp "github.com/Meander-Cloud/go-relay/net/tcp/protocol"
)

const testTimeout = 2 * time.Second

type received struct {
	cs            *ConnState
	messageStruct *m.Message
}

type fixture struct {
	options    *Options
	logs       *observer.ObservedLogs
	handler    chan received
	registry   *Registry
	dispatcher *Dispatcher
	listener   *Listener
}

func newOptions() (*Options, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)

	return &Options{
		SelfID:        "self",
		MaxPayloadLen: 4096,
		LogPrefix:     "test",
		LogDebug:      true,
		Logger:        zap.New(core).Sugar(),
		Metrics:       metrics.New(nil),
	}, logs
}

func newFixture(t *testing.T, maxRegistered int) *fixture {
	options, logs := newOptions()

	f := &fixture{
		options:  options,
		logs:     logs,
		handler:  make(chan received, 256),
		registry: NewRegistry(maxRegistered, options.Metrics.Registered),
	}

	h := HandlerFunc(func(cs *ConnState, messageStruct *m.Message) {
		f.handler <- received{cs, messageStruct}
	})

	var err error
	f.dispatcher, err = NewDispatcher(
		&DispatcherOptions{
			Options:          options,
			Workers:          2,
			FrameReadTimeout: 300 * time.Millisecond,
			Registry:         f.registry,
			Handler:          h,
		},
	)
	require.NoError(t, err)

	f.listener, err = NewListener(
		&ListenerOptions{
			Options:          options,
			HandshakeTimeout: time.Second,
			AcceptRetryDelay: 10 * time.Millisecond,
			UnboundWait:      50 * time.Millisecond,
			MaxHandshakes:    8,
			Dispatcher:       f.dispatcher,
			Handler:          h,
		},
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		f.listener.Close()
		f.registry.CloseAll()
		f.dispatcher.Close()
	})

	return f
}

func (f *fixture) bind(t *testing.T) string {
	addr, err := f.listener.Bind("127.0.0.1:0")
	require.NoError(t, err)
	return addr.String()
}

func (f *fixture) next(t *testing.T) received {
	select {
	case r := <-f.handler:
		return r
	case <-time.After(testTimeout):
		t.Fatalf("no chat received within %v", testTimeout)
		return received{}
	}
}

func (f *fixture) none(t *testing.T) {
	select {
	case r := <-f.handler:
		t.Fatalf("unexpected chat %s", r.messageStruct.Chat.String())
	case <-time.After(100 * time.Millisecond):
	}
}

func chatFrame(t *testing.T, name string, body string) []byte {
	buf, err := tp.EncodeMessage(
		&m.Message{
			Txseq:  1,
			Txtime: time.Now().UTC().UnixMilli(),
			Chat: &m.Chat{
				Origin: &m.Origin{Name: name},
				Body:   []byte(body),
			},
		},
		0,
	)
	require.NoError(t, err)
	return buf
}

func register(t *testing.T, address string, name string) *tp.Session {
	s, err := tp.Register(
		context.Background(),
		&tp.SessionOptions{
			Address:      address,
			Origin:       &m.Origin{Name: name, Instance: "1", Time: 1},
			DialTimeout:  time.Second,
			WriteTimeout: time.Second,
			LogPrefix:    "client",
			Logger:       zap.NewNop().Sugar(),
		},
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// freeAddress returns a loopback address nothing listens on.
func freeAddress(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())
	return address
}

package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-relay/config"
)

// syncBuffer guards the node's display writer against the test reading it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func writeRunConfig(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, config.WriteFile(path, &config.Config{
		Name: "A",
		Listen: config.Listen{
			IP:   "127.0.0.1",
			Port: freePort(t),
		},
		Peers: map[string]config.PeerAddress{
			"B": {IP: "127.0.0.1", Port: freePort(t)},
		},
	}))

	return path
}

func startRun(t *testing.T, ctx context.Context, flags *runFlags, stdin string) (<-chan error, *syncBuffer) {
	t.Helper()

	out := &syncBuffer{}
	errch := make(chan error, 1)
	go func() {
		errch <- runNode(ctx, flags, strings.NewReader(stdin), out)
	}()

	return errch, out
}

func TestRunNode_StdinClosedKeepsRunning(t *testing.T) {
	req := require.New(t)

	// Given a node whose stdin is already at EOF
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errch, _ := startRun(t, ctx, &runFlags{config: writeRunConfig(t)}, "")

	// Then it keeps relaying
	select {
	case err := <-errch:
		req.FailNow("runNode returned on stdin EOF", "err=%v", err)
	case <-time.After(200 * time.Millisecond):
	}

	// When the context is cancelled
	cancel()

	// Then it stops cleanly
	select {
	case err := <-errch:
		req.NoError(err)
	case <-time.After(3 * time.Second):
		req.FailNow("runNode did not return after cancel")
	}
}

func TestRunNode_StopCommand(t *testing.T) {
	req := require.New(t)

	// Given a node told to stop on stdin
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errch, _ := startRun(t, ctx, &runFlags{config: writeRunConfig(t)}, "stop\n")

	// Then it returns without a signal
	select {
	case err := <-errch:
		req.NoError(err)
	case <-time.After(3 * time.Second):
		req.FailNow("runNode ignored stop")
	}
}

func TestRunNode_SeedsMissingConfig(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")

	// Given no configuration file
	req.NoFileExists(path)

	// When the node runs and stops
	errch, _ := startRun(t, context.Background(), &runFlags{config: path}, "stop\n")
	select {
	case <-errch:
	case <-time.After(3 * time.Second):
		req.FailNow("runNode ignored stop")
	}

	// Then the defaults were written once at startup
	c, err := config.LoadFile(path)
	req.NoError(err)
	req.Equal(config.Default(), c)
}

func TestRunNode_ClientsCommand(t *testing.T) {
	req := require.New(t)

	// Given a node asked for its clients before stopping
	errch, out := startRun(t, context.Background(), &runFlags{config: writeRunConfig(t)}, "clients\nstop\n")
	select {
	case err := <-errch:
		req.NoError(err)
	case <-time.After(3 * time.Second):
		req.FailNow("runNode ignored stop")
	}

	// Then the empty registry is listed
	req.Contains(out.String(), "0 registered clients\n")
}

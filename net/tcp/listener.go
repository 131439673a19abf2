package tcp

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	tec "github.com/jbenet/go-temp-err-catcher"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Meander-Cloud/go-relay/metrics"
	tp "github.com/Meander-Cloud/go-relay/net/tcp/protocol"
)

type ListenerOptions struct {
	*Options

	HandshakeTimeout time.Duration
	AcceptRetryDelay time.Duration
	UnboundWait      time.Duration
	MaxHandshakes    int

	Dispatcher *Dispatcher
	Handler    Handler
}

// Listener owns the listening socket of a node. It is either bound to one
// address or Unbound; Bind always closes the previous socket before opening
// the next one, and leaves the listener Unbound when the new bind fails.
type Listener struct {
	options *ListenerOptions
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	running    atomic.Bool
	connIDGen  atomic.Uint32
	handshakes *semaphore.Weighted

	mutex   sync.Mutex
	ln      net.Listener // nil while Unbound
	pending map[uint32]net.Conn
	boundch chan struct{}

	exitch    chan struct{}
	exitwg    sync.WaitGroup
	closeOnce sync.Once
}

func NewListener(options *ListenerOptions) (*Listener, error) {
	if options == nil || options.Options == nil {
		err := fmt.Errorf("nil options")
		zap.S().Warnf("%s", err.Error())
		return nil, err
	}
	if options.Dispatcher == nil || options.Handler == nil {
		err := fmt.Errorf("%s: nil Dispatcher or Handler", options.LogPrefix)
		options.log().Warnf("%s", err.Error())
		return nil, err
	}
	if options.MaxHandshakes <= 0 {
		err := fmt.Errorf("%s: invalid MaxHandshakes=%d", options.LogPrefix, options.MaxHandshakes)
		options.log().Warnf("%s", err.Error())
		return nil, err
	}

	l := &Listener{
		options:    options,
		log:        options.log(),
		metrics:    options.metrics(),
		handshakes: semaphore.NewWeighted(int64(options.MaxHandshakes)),
		pending:    make(map[uint32]net.Conn),
		boundch:    make(chan struct{}, 1),
		exitch:     make(chan struct{}),
	}
	l.running.Store(true)

	l.exitwg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// Bind closes the current socket, if any, then listens on address. On
// failure the listener stays Unbound and the error is returned.
func (l *Listener) Bind(address string) (net.Addr, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	// checked under mutex so Close cannot miss a socket bound here
	if !l.running.Load() {
		return nil, ErrNotRunning
	}

	l.unbindLocked()

	ln, err := net.Listen("tcp", address)
	if err != nil {
		err = fmt.Errorf("%s: failed to bind %s, err=%w", l.options.LogPrefix, address, err)
		l.log.Warnf("%s", err.Error())
		return nil, err
	}
	l.ln = ln

	select {
	case l.boundch <- struct{}{}:
	default:
	}

	l.log.Infof("%s: listening on %s", l.options.LogPrefix, ln.Addr().String())
	return ln.Addr(), nil
}

// Unbind closes the current socket and leaves the listener Unbound.
func (l *Listener) Unbind() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.unbindLocked()
}

// invoked with mutex held
func (l *Listener) unbindLocked() {
	if l.ln == nil {
		return
	}

	address := l.ln.Addr().String()
	err := l.ln.Close()
	l.ln = nil
	if err != nil {
		l.log.Warnf("%s: failed to close listener on %s, err=%s", l.options.LogPrefix, address, err.Error())
		return
	}
	l.log.Infof("%s: closed listener on %s", l.options.LogPrefix, address)
}

// Addr returns the bound address, nil while Unbound.
func (l *Listener) Addr() net.Addr {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) Bound() bool {
	return l.Addr() != nil
}

func (l *Listener) current() net.Listener {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.ln
}

// wait sleeps for d unless the listener is closed first, in which case
// false is returned.
func (l *Listener) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-l.exitch:
		return false
	}
}

func (l *Listener) acceptLoop() {
	defer l.exitwg.Done()

	catcher := tec.TempErrCatcher{
		Wait: func(d time.Duration) {
			l.wait(d)
		},
	}

	for {
		if !l.running.Load() {
			return
		}

		ln := l.current()
		if ln == nil {
			// Unbound, wait for the next successful bind
			select {
			case <-l.boundch:
			case <-time.After(l.options.UnboundWait):
			case <-l.exitch:
				return
			}
			continue
		}

		conn, err := ln.Accept()
		if err != nil {
			if !l.running.Load() {
				return
			}
			if l.current() != ln {
				// socket replaced or closed by Bind/Unbind
				continue
			}
			if catcher.IsTemporary(err) {
				l.log.Debugf("%s: temporary accept error, err=%s", l.options.LogPrefix, err.Error())
				continue
			}

			l.log.Warnf("%s: accept failed, err=%s", l.options.LogPrefix, err.Error())
			if !l.wait(l.options.AcceptRetryDelay) {
				return
			}
			continue
		}
		catcher.Reset()

		if !l.running.Load() {
			conn.Close()
			return
		}

		l.serve(conn)
	}
}

func (l *Listener) serve(conn net.Conn) {
	if !l.handshakes.TryAcquire(1) {
		l.metrics.Accepted.WithLabelValues(metrics.KindRejected).Inc()
		l.log.Warnf(
			"%s: too many pending handshakes, rejecting %s",
			l.options.LogPrefix,
			conn.RemoteAddr().String(),
		)
		conn.Close()
		return
	}

	cs := &ConnState{
		ConnID: l.connIDGen.Add(1),
		Conn:   conn,
	}
	cs.Descriptor = fmt.Sprintf(
		"[%d]%s<-<%s>",
		cs.ConnID,
		l.options.SelfID,
		conn.RemoteAddr().String(),
	)

	l.mutex.Lock()
	if !l.running.Load() {
		// Close already swept pending connections
		l.mutex.Unlock()
		l.handshakes.Release(1)
		conn.Close()
		return
	}
	l.pending[cs.ConnID] = conn
	l.mutex.Unlock()

	l.exitwg.Add(1)
	go func() {
		defer l.exitwg.Done()
		defer l.handshakes.Release(1)
		defer func() {
			l.mutex.Lock()
			delete(l.pending, cs.ConnID)
			l.mutex.Unlock()
		}()

		l.handshake(cs)
	}()
}

// invoked on handshake goroutine
func (l *Listener) handshake(cs *ConnState) {
	// the reader must not buffer past the first frame, so the handshake reads
	// straight from the connection and the dispatcher reader starts after it
	frame, err := tp.Handshake(cs.Conn, l.options.HandshakeTimeout, l.options.MaxPayloadLen)
	if err != nil {
		l.metrics.Accepted.WithLabelValues(metrics.KindError).Inc()
		l.log.Warnf("%s: %s: handshake failed, err=%s", l.options.LogPrefix, cs.Descriptor, err.Error())
		cs.Conn.Close()
		return
	}

	if !l.running.Load() {
		cs.Conn.Close()
		return
	}

	if frame.IsRegistration() {
		err = l.options.Dispatcher.Register(cs, bufio.NewReader(cs.Conn))
		if err != nil {
			l.metrics.Accepted.WithLabelValues(metrics.KindRejected).Inc()
			l.log.Warnf("%s: %s: registration refused, err=%s", l.options.LogPrefix, cs.Descriptor, err.Error())
			cs.Conn.Close()
			return
		}
		l.metrics.Accepted.WithLabelValues(metrics.KindRegister).Inc()
		return
	}

	// one-shot, closed after its only frame
	defer cs.Conn.Close()

	messageStruct, err := tp.DecodeMessage(frame)
	if err != nil {
		l.metrics.Accepted.WithLabelValues(metrics.KindError).Inc()
		l.metrics.DecodeErrors.Inc()
		l.log.Warnf("%s: %s: one-shot frame rejected, err=%s", l.options.LogPrefix, cs.Descriptor, err.Error())
		return
	}
	l.metrics.Accepted.WithLabelValues(metrics.KindOneShot).Inc()

	if l.options.LogDebug {
		l.log.Debugf(
			"%s: %s: rx one-shot txseq=%d txtime=%d",
			l.options.LogPrefix,
			cs.Descriptor,
			messageStruct.Txseq,
			messageStruct.Txtime,
		)
	}

	l.metrics.Forwarded.WithLabelValues(metrics.KindOneShot).Inc()
	l.options.Handler.Chat(cs, messageStruct)
}

// Close stops accepting and aborts pending handshakes, then waits for the
// accept loop and handshake goroutines to exit.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		l.running.Store(false)
		close(l.exitch)

		l.mutex.Lock()
		l.unbindLocked()
		for _, conn := range l.pending {
			conn.Close()
		}
		l.mutex.Unlock()
	})

	l.exitwg.Wait() // wait
}

package protocol

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	m "github.com/Meander-Cloud/go-relay/message"
)

// SendOnce opens a fresh connection to address, writes buf and closes the
// connection. buf is expected to hold one encoded frame.
func SendOnce(ctx context.Context, address string, buf []byte, dialTimeout, writeTimeout time.Duration) error {
	dialer := &net.Dialer{
		Timeout: dialTimeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().UTC().Add(writeTimeout))
	_, err = conn.Write(buf)
	if err != nil {
		return err
	}

	// orderly close flushes the written frame before FIN
	return conn.Close()
}

type SessionOptions struct {
	Address       string
	Origin        *m.Origin
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxPayloadLen uint32

	LogPrefix string
	Logger    *zap.SugaredLogger
}

// Session is the client side of a registration connection. After Register
// returns, every Send pushes one chat frame over the same connection.
type Session struct {
	options    *SessionOptions
	log        *zap.SugaredLogger
	descriptor string

	txseqGen atomic.Uint64

	mutex sync.Mutex
	conn  net.Conn
}

func Register(ctx context.Context, options *SessionOptions) (*Session, error) {
	log := options.Logger
	if log == nil {
		log = zap.S()
	}

	if options.Origin == nil {
		err := fmt.Errorf("%s: nil Origin", options.LogPrefix)
		log.Warnf("%s", err.Error())
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout: options.DialTimeout,
	}
	conn, err := dialer.DialContext(ctx, "tcp", options.Address)
	if err != nil {
		err = fmt.Errorf("%s: failed to dial %s, err=%w", options.LogPrefix, options.Address, err)
		log.Warnf("%s", err.Error())
		return nil, err
	}

	s := &Session{
		options: options,
		log:     log,
		descriptor: fmt.Sprintf(
			"%s-><%s>",
			options.Origin.ID(),
			conn.RemoteAddr().String(),
		),
		conn: conn,
	}

	err = s.write(EncodeRegister())
	if err != nil {
		conn.Close()
		return nil, err
	}

	log.Infof("%s: %s: registered", options.LogPrefix, s.descriptor)
	return s, nil
}

// invoked on any goroutine
func (s *Session) GetNextTxseq() uint64 {
	return s.txseqGen.Add(1)
}

// Send writes body as one chat frame.
func (s *Session) Send(body []byte) error {
	buf, err := EncodeMessage(
		&m.Message{
			Txseq:  s.GetNextTxseq(),
			Txtime: time.Now().UTC().UnixMilli(),

			Chat: &m.Chat{
				Origin: s.options.Origin,
				Body:   body,
			},
		},
		s.options.MaxPayloadLen,
	)
	if err != nil {
		err = fmt.Errorf("%s: %s: %w", s.options.LogPrefix, s.descriptor, err)
		s.log.Warnf("%s", err.Error())
		return err
	}

	return s.write(buf)
}

func (s *Session) write(buf []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.conn == nil {
		return net.ErrClosed
	}

	s.conn.SetWriteDeadline(time.Now().UTC().Add(s.options.WriteTimeout))
	n, err := s.conn.Write(buf)
	if err != nil {
		err = fmt.Errorf("%s: %s: failed to write %d bytes, err=%w", s.options.LogPrefix, s.descriptor, len(buf), err)
		s.log.Warnf("%s", err.Error())
		return err
	}
	s.log.Debugf("%s: %s: wrote %d bytes, header %X", s.options.LogPrefix, s.descriptor, n, buf[0:headerLen])

	return nil
}

func (s *Session) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.conn == nil {
		return nil
	}

	err := s.conn.Close()
	s.conn = nil
	s.log.Infof("%s: %s: session closed", s.options.LogPrefix, s.descriptor)
	return err
}

package tcp

import (
	"bufio"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-relay/metrics"
	m "github.com/Meander-Cloud/go-relay/message"
)

// Handler receives every decoded inbound chat message, from one-shot and
// registered connections alike.
type Handler interface {
	Chat(*ConnState, *m.Message)
}

type HandlerFunc func(*ConnState, *m.Message)

func (f HandlerFunc) Chat(cs *ConnState, messageStruct *m.Message) {
	f(cs, messageStruct)
}

// Options are shared by the listener, dispatcher and broadcaster of one node.
type Options struct {
	SelfID        string
	MaxPayloadLen uint32

	LogPrefix string
	LogDebug  bool
	Logger    *zap.SugaredLogger
	Metrics   *metrics.Metrics
}

func (o *Options) log() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.S()
	}
	return o.Logger
}

// metrics never writes back to o, which is shared between components.
// NewMatrix resolves the default once.
func (o *Options) metrics() *metrics.Metrics {
	if o.Metrics == nil {
		return metrics.New(nil)
	}
	return o.Metrics
}

type ConnState struct {
	ConnID     uint32
	Conn       net.Conn
	Descriptor string
	Registered time.Time // zero for one-shot connections

	reader *bufio.Reader
}

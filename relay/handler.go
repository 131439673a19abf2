package relay

import (
	"time"

	m "github.com/Meander-Cloud/go-relay/message"
	"github.com/Meander-Cloud/go-relay/net/tcp"
)

type Handler struct {
	n *Node
}

// invoked on dispatcher worker or handshake goroutine
func (h *Handler) Chat(cs *tcp.ConnState, messageStruct *m.Message) {
	in := &Inbound{
		Chat:       messageStruct.Chat,
		Txseq:      messageStruct.Txseq,
		Txtime:     time.UnixMilli(messageStruct.Txtime).UTC(),
		Descriptor: cs.Descriptor,
		Registered: !cs.Registered.IsZero(),
	}

	if h.n.options.Display == nil {
		h.n.log.Infof("%s: %s: %s", h.n.c.Prefix(), cs.Descriptor, in.Chat.String())
		return
	}
	h.n.options.Display.Show(in)
}

package relay

import (
	"fmt"
	"io"
	"sync"
	"time"

	m "github.com/Meander-Cloud/go-relay/message"
)

// Inbound is one chat line received from another server or client.
type Inbound struct {
	Chat       *m.Chat
	Txseq      uint64
	Txtime     time.Time
	Descriptor string // source connection
	Registered bool   // false for one-shot deliveries
}

// Display consumes inbound chat lines. Show is called from dispatcher and
// handshake goroutines and must not block.
type Display interface {
	Show(*Inbound)
}

type DisplayFunc func(*Inbound)

func (f DisplayFunc) Show(in *Inbound) {
	f(in)
}

// WriterDisplay prints each inbound line on its own row of w.
type WriterDisplay struct {
	mutex sync.Mutex
	w     io.Writer
}

func NewWriterDisplay(w io.Writer) *WriterDisplay {
	return &WriterDisplay{
		w: w,
	}
}

func (d *WriterDisplay) Show(in *Inbound) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	fmt.Fprintln(d.w, in.Chat.String())
}

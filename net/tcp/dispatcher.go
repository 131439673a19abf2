package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-relay/metrics"
	tp "github.com/Meander-Cloud/go-relay/net/tcp/protocol"
)

type DispatcherOptions struct {
	*Options

	Workers          int
	FrameReadTimeout time.Duration

	Registry *Registry
	Handler  Handler
}

type decodeTask struct {
	cs   *ConnState
	done chan bool // true if the connection survives
}

// Dispatcher reads frames from registered connections. Each connection has a
// watcher goroutine blocking until the connection is readable; decoding then
// runs on a fixed pool of workers. A watcher waits for its decode to finish
// before watching again, so frames of one connection are handled in arrival
// order and never decoded concurrently.
type Dispatcher struct {
	options *DispatcherOptions
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	running atomic.Bool
	taskch  chan *decodeTask
	exitch  chan struct{}

	workerwg  sync.WaitGroup
	watcherwg sync.WaitGroup
	closeOnce sync.Once
}

func NewDispatcher(options *DispatcherOptions) (*Dispatcher, error) {
	if options == nil || options.Options == nil {
		err := fmt.Errorf("nil options")
		zap.S().Warnf("%s", err.Error())
		return nil, err
	}
	if options.Registry == nil || options.Handler == nil {
		err := fmt.Errorf("%s: nil Registry or Handler", options.LogPrefix)
		options.log().Warnf("%s", err.Error())
		return nil, err
	}
	if options.Workers <= 0 {
		err := fmt.Errorf("%s: invalid Workers=%d", options.LogPrefix, options.Workers)
		options.log().Warnf("%s", err.Error())
		return nil, err
	}

	d := &Dispatcher{
		options: options,
		log:     options.log(),
		metrics: options.metrics(),
		taskch:  make(chan *decodeTask),
		exitch:  make(chan struct{}),
	}
	d.running.Store(true)

	d.workerwg.Add(options.Workers)
	for i := 0; i < options.Workers; i++ {
		go d.work(i)
	}

	return d, nil
}

// Register adds cs to the registry and starts watching it. cs must hold
// a reader positioned right after the registration frame.
func (d *Dispatcher) Register(cs *ConnState, reader *bufio.Reader) error {
	if !d.running.Load() {
		return ErrNotRunning
	}

	cs.reader = reader
	cs.Registered = time.Now().UTC()

	err := d.options.Registry.Add(cs)
	if err != nil {
		return err
	}

	d.watcherwg.Add(1)
	go d.watch(cs)

	d.log.Infof("%s: %s: registered, count=%d", d.options.LogPrefix, cs.Descriptor, d.options.Registry.Len())
	return nil
}

func (d *Dispatcher) watch(cs *ConnState) {
	defer d.watcherwg.Done()

	for {
		// blocks until at least one byte is buffered, or the read fails
		_, err := cs.reader.Peek(1)
		if err != nil {
			d.drop(cs, err)
			return
		}

		task := &decodeTask{
			cs:   cs,
			done: make(chan bool, 1),
		}

		select {
		case d.taskch <- task:
		case <-d.exitch:
			d.drop(cs, ErrNotRunning)
			return
		}

		// only this goroutine submits tasks for cs, so one decode at a time
		alive := <-task.done // wait
		if !alive {
			return
		}
	}
}

func (d *Dispatcher) work(index int) {
	defer d.workerwg.Done()

	for {
		select {
		case task := <-d.taskch:
			task.done <- d.decode(task.cs)
		case <-d.exitch:
			if d.options.LogDebug {
				d.log.Debugf("%s: dispatch worker %d exiting", d.options.LogPrefix, index)
			}
			return
		}
	}
}

// invoked on worker goroutine
func (d *Dispatcher) decode(cs *ConnState) bool {
	if d.options.FrameReadTimeout > 0 {
		cs.Conn.SetReadDeadline(time.Now().UTC().Add(d.options.FrameReadTimeout))
	}

	frame, err := tp.ReadFrame(cs.reader, d.options.MaxPayloadLen)
	if err != nil {
		d.metrics.DecodeErrors.Inc()
		d.drop(cs, err)
		return false
	}
	cs.Conn.SetReadDeadline(time.Time{})

	messageStruct, err := tp.DecodeMessage(frame)
	if err != nil {
		d.metrics.DecodeErrors.Inc()
		d.drop(cs, err)
		return false
	}

	if !d.running.Load() {
		d.drop(cs, ErrNotRunning)
		return false
	}

	if d.options.LogDebug {
		d.log.Debugf(
			"%s: %s: rx txseq=%d txtime=%d",
			d.options.LogPrefix,
			cs.Descriptor,
			messageStruct.Txseq,
			messageStruct.Txtime,
		)
	}

	d.metrics.Forwarded.WithLabelValues(metrics.KindRegister).Inc()
	d.options.Handler.Chat(cs, messageStruct)
	return true
}

func (d *Dispatcher) drop(cs *ConnState, err error) {
	removed := d.options.Registry.Remove(cs.ConnID)
	cs.Conn.Close()

	if !removed {
		// closed through Registry.CloseAll
		return
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		d.log.Infof("%s: %s: disconnected", d.options.LogPrefix, cs.Descriptor)
		return
	}
	d.log.Warnf("%s: %s: dropped, err=%s", d.options.LogPrefix, cs.Descriptor, err.Error())
}

// Close stops the workers and waits for every watcher to exit. Registered
// connections must be closed first, through Registry.CloseAll, to release
// watchers blocked on a read.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.running.Store(false)
		close(d.exitch)
	})

	d.workerwg.Wait()  // wait
	d.watcherwg.Wait() // wait
}

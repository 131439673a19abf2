package tcp

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-relay/config"
	"github.com/Meander-Cloud/go-relay/metrics"
)

// Matrix wires the registry, dispatcher, listener and broadcaster of one node
// from a configuration. Tuning values are fixed for the lifetime of the
// Matrix; a reload only rebinds the listener.
type Matrix struct {
	registry    *Registry
	dispatcher  *Dispatcher
	listener    *Listener
	broadcaster *Broadcaster
}

func NewMatrix(
	c *config.Config,
	h Handler,
	selfID string,
	log *zap.SugaredLogger,
	mx *metrics.Metrics,
) (*Matrix, error) {
	if log == nil {
		log = zap.S()
	}
	if mx == nil {
		mx = metrics.New(nil)
	}

	options := &Options{
		SelfID:        selfID,
		MaxPayloadLen: c.PayloadLimit(),
		LogPrefix:     c.Prefix(),
		LogDebug:      c.LogDebug,
		Logger:        log,
		Metrics:       mx,
	}

	mt := &Matrix{
		registry: NewRegistry(c.MaxRegisteredCount(), mx.Registered),
	}

	var err error
	defer func() {
		if err != nil {
			mt.Shutdown() // wait
		}
	}()

	mt.dispatcher, err = NewDispatcher(
		&DispatcherOptions{
			Options:          options,
			Workers:          c.DecodeWorkerCount(),
			FrameReadTimeout: c.FrameReadTimeout(),
			Registry:         mt.registry,
			Handler:          h,
		},
	)
	if err != nil {
		return nil, err
	}

	mt.listener, err = NewListener(
		&ListenerOptions{
			Options:          options,
			HandshakeTimeout: c.HandshakeTimeout(),
			AcceptRetryDelay: c.AcceptRetryDelay(),
			UnboundWait:      c.UnboundWaitDelay(),
			MaxHandshakes:    c.MaxHandshakeCount(),
			Dispatcher:       mt.dispatcher,
			Handler:          h,
		},
	)
	if err != nil {
		return nil, err
	}

	mt.broadcaster, err = NewBroadcaster(
		&BroadcasterOptions{
			Options:      options,
			DialTimeout:  c.DialTimeout(),
			WriteTimeout: c.WriteTimeout(),
			Fanout:       c.BroadcastFanoutLimit(),
		},
	)
	if err != nil {
		return nil, err
	}

	return mt, nil
}

// Shutdown closes the listener, every registered connection and the
// dispatcher, in that order, and waits for their goroutines.
func (mt *Matrix) Shutdown() error {
	if mt.listener != nil {
		mt.listener.Close() // wait
	}

	var err error
	if mt.registry != nil {
		err = mt.registry.CloseAll()
		if err != nil {
			err = fmt.Errorf("failed to close registered connections, err=%w", err)
		}
	}

	if mt.dispatcher != nil {
		mt.dispatcher.Close() // wait
	}

	return err
}

func (mt *Matrix) Registry() *Registry {
	return mt.registry
}

func (mt *Matrix) Listener() *Listener {
	return mt.listener
}

func (mt *Matrix) Broadcaster() *Broadcaster {
	return mt.broadcaster
}

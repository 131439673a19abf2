package tcp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-relay/config"
	m "github.com/Meander-Cloud/go-relay/message"
)

func TestMatrix_Lifecycle(t *testing.T) {
	req := require.New(t)

	c := &config.Config{
		Name:          "A",
		Listen:        config.Listen{IP: "127.0.0.1", Port: entryFor(t, "A", freeAddress(t)).Port},
		DecodeWorkers: 1,
	}
	req.NoError(c.Validate())

	msgch := make(chan *m.Message, 4)
	mt, err := NewMatrix(
		c,
		HandlerFunc(func(_ *ConnState, messageStruct *m.Message) {
			msgch <- messageStruct
		}),
		"A-1-1",
		zap.NewNop().Sugar(),
		nil,
	)
	req.NoError(err)

	addr, err := mt.Listener().Bind(c.Listen.Address())
	req.NoError(err)

	s := register(t, addr.String(), "client")
	req.NoError(s.Send([]byte("hi")))

	select {
	case messageStruct := <-msgch:
		req.Equal("hi", messageStruct.Chat.Text())
	case <-time.After(testTimeout):
		t.Fatal("no chat received")
	}
	req.Equal(1, mt.Registry().Len())

	req.NoError(mt.Shutdown())
	req.Zero(mt.Registry().Len())
	req.False(mt.Listener().Bound())
}

func TestOptions_SharedWithoutMetrics(t *testing.T) {
	req := require.New(t)

	// Given one Options with no Metrics shared by every component
	options, _ := newOptions()
	options.Metrics = nil
	h := HandlerFunc(func(*ConnState, *m.Message) {})

	// When components are built from it concurrently
	var wg sync.WaitGroup
	var dispatchers [4]*Dispatcher
	var broadcasters [4]*Broadcaster
	var errs [8]error
	for i := range dispatchers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			dispatchers[i], errs[2*i] = NewDispatcher(
				&DispatcherOptions{
					Options:  options,
					Workers:  1,
					Registry: NewRegistry(1, nil),
					Handler:  h,
				},
			)
		}()
		go func() {
			defer wg.Done()
			broadcasters[i], errs[2*i+1] = NewBroadcaster(
				&BroadcasterOptions{
					Options: options,
					Fanout:  1,
				},
			)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		req.NoError(err)
	}

	// Then each got working metrics and the shared Options was left alone
	req.Nil(options.Metrics)
	for i := range dispatchers {
		req.NotNil(dispatchers[i].metrics)
		req.NotNil(broadcasters[i].metrics)
		dispatchers[i].Close()
	}
}

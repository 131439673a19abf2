package arbiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-relay/config"
	g "github.com/Meander-Cloud/go-relay/group"
)

type event struct {
	f  func()
	t0 time.Time // dispatch time
}

// scheduler goroutine
func (e *event) reset() {
	e.f = nil
	e.t0 = time.Time{}
}

// Arbiter serializes node state changes onto one scheduler goroutine.
type Arbiter struct {
	logPrefix string
	logDebug  bool
	log       *zap.SugaredLogger

	s       *scheduler.Scheduler[g.Group]
	eventpl sync.Pool
	eventch chan *event
}

func NewArbiter(c *config.Config, log *zap.SugaredLogger) *Arbiter {
	if log == nil {
		log = zap.S()
	}

	eventChannelLength := c.EventChannelCapacity()
	logPrefix := fmt.Sprintf("%s: Arbiter", c.Prefix())

	a := &Arbiter{
		logPrefix: logPrefix,
		logDebug:  c.LogDebug,
		log:       log,
		s: scheduler.NewScheduler[g.Group](
			&scheduler.Options{
				LogPrefix: logPrefix,
				LogDebug:  c.LogDebug,
			},
		),
		eventpl: sync.Pool{
			New: func() any {
				return new(event)
			},
		},
		eventch: make(chan *event, eventChannelLength),
	}

	// add eventch
	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				a.eventch,
				func(_ *scheduler.Scheduler[g.Group], _ *scheduler.AsyncVariant[g.Group], recv interface{}) {
					a.handle(recv)
				},
				func(_ *scheduler.Scheduler[g.Group], v *scheduler.AsyncVariant[g.Group]) {
					log.Infof("%s: eventch released, select count: %d", logPrefix, v.SelectCount)
				},
			),
		},
	)

	// ownership of internal state is transferred to scheduler goroutine
	a.s.RunAsync()

	return a
}

func (a *Arbiter) Shutdown() {
	a.s.Shutdown() // wait
}

func (a *Arbiter) Scheduler() *scheduler.Scheduler[g.Group] {
	return a.s
}

func (a *Arbiter) getEvent() *event {
	evtAny := a.eventpl.Get()
	evt, ok := evtAny.(*event)
	if !ok {
		err := fmt.Errorf("%s: failed to cast event, evtAny=%#v", a.logPrefix, evtAny)
		a.log.Errorf("%s", err.Error())
		panic(err)
	}
	return evt
}

func (a *Arbiter) returnEvent(evt *event) {
	// recycle event
	evt.reset()
	a.eventpl.Put(evt)
}

// scheduler goroutine
func (a *Arbiter) handle(recv interface{}) {
	evt, ok := recv.(*event)
	if !ok {
		a.log.Errorf("%s: failed to cast event, recv=%#v", a.logPrefix, recv)
		return
	}
	defer a.returnEvent(evt)

	t1 := time.Now().UTC()

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				a.log.Errorf(
					"%s: functor recovered from panic: %+v",
					a.logPrefix,
					rec,
				)
			}
		}()
		evt.f()
	}()

	t2 := time.Now().UTC()

	// log event lifecycle
	if a.logDebug {
		a.log.Debugf(
			"%s: event goQueueWait=%dus, evtFuncElapsed=%dus",
			a.logPrefix,
			t1.Sub(evt.t0).Microseconds(),
			t2.Sub(t1).Microseconds(),
		)
	}
}

// any goroutine
func (a *Arbiter) Dispatch(f func()) error {
	evt := a.getEvent()
	evt.f = f
	evt.t0 = time.Now().UTC()

	select {
	case a.eventch <- evt:
	default:
		err := fmt.Errorf("%s: failed to push to eventch", a.logPrefix)
		a.log.Warnf("%s", err.Error())

		a.returnEvent(evt)
		return err
	}

	return nil
}

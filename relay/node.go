package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Meander-Cloud/go-relay/arbiter"
	"github.com/Meander-Cloud/go-relay/config"
	"github.com/Meander-Cloud/go-relay/metrics"
	m "github.com/Meander-Cloud/go-relay/message"
	"github.com/Meander-Cloud/go-relay/net/tcp"
)

type Options struct {
	// Load returns the current configuration. It is called once by NewNode
	// and again on every reload.
	Load func() (*config.Config, error)

	Display  Display
	Instance string // random when empty
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Metrics
}

// routing is the part of the node replaced wholesale by a reload.
type routing struct {
	origin    *m.Origin
	directory *config.Directory
	address   string
}

// Node relays local chat to every configured peer and forwards chat
// received from peers and registered clients to its Display.
type Node struct {
	options *Options
	c       *config.Config // as loaded by NewNode, fixes tuning values
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	selfID  string

	running   atomic.Bool
	lifecycle sync.RWMutex // write locked by Stop
	table     atomic.Pointer[routing]
	txseqGen  atomic.Uint64
	publishes *semaphore.Weighted
	publishwg sync.WaitGroup

	a      *arbiter.Arbiter
	matrix *tcp.Matrix

	// owned by arbiter goroutine until Stop
	watcher         *config.Watcher
	reloadScheduled bool
}

func NewNode(options *Options) (*Node, error) {
	if options == nil || options.Load == nil {
		err := fmt.Errorf("nil options or Load")
		zap.S().Warnf("%s", err.Error())
		return nil, err
	}

	log := options.Logger
	if log == nil {
		log = zap.S()
	}
	mx := options.Metrics
	if mx == nil {
		mx = metrics.New(nil)
	}

	c, err := options.Load()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConfig, err)
		log.Warnf("%s", err.Error())
		return nil, err
	}

	instance := options.Instance
	if instance == "" {
		instance = uuid.NewString()
	}
	origin := &m.Origin{
		Name:     c.Name,
		Instance: instance,
		Time:     time.Now().UTC().UnixMilli(),
	}

	rt, err := newRouting(c, origin)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConfig, err)
		log.Warnf("%s", err.Error())
		return nil, err
	}

	n := &Node{
		options: options,
		c:       c,
		log:     log,
		metrics: mx,
		selfID:  origin.ID(),

		publishes: semaphore.NewWeighted(int64(c.PublishConcurrencyLimit())),
	}
	n.table.Store(rt)

	// set before any worker starts
	n.running.Store(true)
	n.a = arbiter.NewArbiter(c, log)

	defer func() {
		if err != nil {
			n.Stop() // wait
		}
	}()

	n.matrix, err = tcp.NewMatrix(
		c,
		&Handler{
			n: n,
		},
		n.selfID,
		log,
		mx,
	)
	if err != nil {
		return nil, err
	}

	log.Infof(
		"%s: node %s created, listen=%s, peers=%v",
		c.Prefix(),
		n.selfID,
		rt.address,
		rt.directory.Names(),
	)
	return n, nil
}

func newRouting(c *config.Config, origin *m.Origin) (*routing, error) {
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	directory, err := c.Directory()
	if err != nil {
		return nil, err
	}

	next := origin.Clone()
	next.Name = c.Name

	return &routing{
		origin:    next,
		directory: directory,
		address:   c.Listen.Address(),
	}, nil
}

// Start binds the listener to the configured address. A bind failure leaves
// the node running but Unbound, and is returned.
func (n *Node) Start(ctx context.Context) error {
	return n.serialize(ctx, func() error {
		// invoked on arbiter goroutine
		return n.bind(n.table.Load().address)
	})
}

// Reload re-reads the configuration, swaps the peer directory and origin
// name, and rebinds the listener. The previous socket is always closed before
// the new bind, even when the address did not change.
//
// A configuration error aborts the reload and keeps the previous state. A
// bind error happens after the swap; the node then stays Unbound.
func (n *Node) Reload(ctx context.Context) error {
	return n.serialize(ctx, func() error {
		// invoked on arbiter goroutine
		return n.reload()
	})
}

// invoked on arbiter goroutine
func (n *Node) reload() error {
	if !n.running.Load() {
		return ErrStopped
	}

	prefix := n.c.Prefix()

	c, err := n.options.Load()
	if err != nil {
		n.metrics.Reloads.WithLabelValues(metrics.ReloadConfigError).Inc()
		err = fmt.Errorf("%s: reload aborted, %w: %w", prefix, ErrConfig, err)
		n.log.Warnf("%s", err.Error())
		return err
	}

	rt, err := newRouting(c, n.table.Load().origin)
	if err != nil {
		n.metrics.Reloads.WithLabelValues(metrics.ReloadConfigError).Inc()
		err = fmt.Errorf("%s: reload aborted, %w: %w", prefix, ErrConfig, err)
		n.log.Warnf("%s", err.Error())
		return err
	}

	old := n.table.Swap(rt)
	n.log.Infof(
		"%s: peers %v -> %v, origin %s -> %s",
		prefix,
		old.directory.Names(),
		rt.directory.Names(),
		old.origin.Name,
		rt.origin.Name,
	)

	err = n.bind(rt.address)
	if err != nil {
		n.metrics.Reloads.WithLabelValues(metrics.ReloadBindError).Inc()
		return err
	}

	n.metrics.Reloads.WithLabelValues(metrics.ReloadOK).Inc()
	return nil
}

// invoked on arbiter goroutine
func (n *Node) bind(address string) error {
	if !n.running.Load() {
		return ErrStopped
	}

	_, err := n.matrix.Listener().Bind(address)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrBind, err)
		n.log.Errorf("%s: node unbound, err=%s", n.c.Prefix(), err.Error())
		return err
	}
	return nil
}

// serialize runs f on the arbiter goroutine. It returns early with the
// context error if ctx ends first; f still runs to completion.
func (n *Node) serialize(ctx context.Context, f func() error) error {
	n.lifecycle.RLock()
	defer n.lifecycle.RUnlock()

	if !n.running.Load() {
		return ErrStopped
	}

	errch := make(chan error, 1)
	err := n.a.Dispatch(
		func() {
			errch <- f()
		},
	)
	if err != nil {
		return err
	}

	select {
	case err = <-errch: // wait
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast sends text to every peer of the current directory and waits for
// all attempts. Per peer failures are reported, never returned.
func (n *Node) Broadcast(ctx context.Context, text string) (*tcp.Report, error) {
	if !n.running.Load() {
		return nil, ErrStopped
	}
	return n.broadcast(ctx, text), nil
}

// Publish broadcasts text in the background. It blocks while the configured
// number of background broadcasts are still running.
func (n *Node) Publish(text string) error {
	if !n.running.Load() {
		return ErrStopped
	}

	// in-flight broadcasts are bounded by dial and write timeouts
	err := n.publishes.Acquire(context.Background(), 1) // wait
	if err != nil {
		return err
	}

	n.lifecycle.RLock()
	defer n.lifecycle.RUnlock()

	if !n.running.Load() {
		n.publishes.Release(1)
		return ErrStopped
	}

	n.publishwg.Add(1)
	go func() {
		defer func() {
			n.publishes.Release(1)
			n.publishwg.Done()
		}()
		n.broadcast(context.Background(), text)
	}()
	return nil
}

func (n *Node) broadcast(ctx context.Context, text string) *tcp.Report {
	// one snapshot for the whole fan-out
	rt := n.table.Load()

	report := n.matrix.Broadcaster().Broadcast(
		ctx,
		rt.directory,
		&m.Message{
			Txseq:  n.GetNextTxseq(),
			Txtime: time.Now().UTC().UnixMilli(),

			Chat: &m.Chat{
				Origin: rt.origin,
				Body:   []byte(text),
			},
		},
	)

	if n.c.LogDebug {
		n.log.Debugf(
			"%s: broadcast delivered=%v refused=%v failed=%v",
			n.c.Prefix(),
			report.Delivered,
			report.Refused,
			report.Failed,
		)
	}
	return report
}

// invoked on any goroutine
func (n *Node) GetNextTxseq() uint64 {
	return n.txseqGen.Add(1)
}

// Stop clears the running flag, closes every socket and waits for all node
// goroutines. Calling Stop more than once is harmless.
func (n *Node) Stop() error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	if !n.running.CompareAndSwap(true, false) {
		return nil
	}

	var err error

	if n.matrix != nil {
		multierr.AppendInto(&err, n.matrix.Shutdown()) // wait
	}

	n.publishwg.Wait() // wait

	if n.a != nil {
		n.a.Shutdown() // wait
	}

	// arbiter goroutine has exited
	n.unwatch()

	if err != nil {
		n.log.Warnf("%s: node stopped with errors, err=%s", n.c.Prefix(), err.Error())
		return err
	}
	n.log.Infof("%s: node stopped", n.c.Prefix())
	return nil
}

func (n *Node) Running() bool {
	return n.running.Load()
}

// Addr returns the bound listen address, nil while Unbound.
func (n *Node) Addr() net.Addr {
	return n.matrix.Listener().Addr()
}

func (n *Node) Directory() *config.Directory {
	return n.table.Load().directory
}

func (n *Node) Origin() *m.Origin {
	return n.table.Load().origin.Clone()
}

func (n *Node) Registered() int {
	return n.matrix.Registry().Len()
}

// Clients returns the descriptors of the registered clients, ordered by
// connection id.
func (n *Node) Clients() []string {
	return lo.Map(n.matrix.Registry().Snapshot(), func(cs *tcp.ConnState, _ int) string {
		return cs.Descriptor
	})
}

func (n *Node) SelfID() string {
	return n.selfID
}

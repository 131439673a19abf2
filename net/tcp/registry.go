package tcp

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Registry holds the registered connections of one node. Entries are added
// after a successful registration handshake and removed when a read fails or
// the node stops.
type Registry struct {
	max   int
	gauge prometheus.Gauge

	mutex   sync.RWMutex
	connMap map[uint32]*ConnState
	closed  bool
}

// NewRegistry returns an empty registry admitting at most max connections,
// zero meaning unbounded. gauge may be nil.
func NewRegistry(max int, gauge prometheus.Gauge) *Registry {
	return &Registry{
		max:     max,
		gauge:   gauge,
		connMap: make(map[uint32]*ConnState),
	}
}

func (r *Registry) Add(cs *ConnState) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	_, found := r.connMap[cs.ConnID]
	if found {
		return fmt.Errorf("%w: %s", ErrConnRegistered, cs.Descriptor)
	}
	if r.max > 0 && len(r.connMap) >= r.max {
		return fmt.Errorf("%w: max=%d", ErrRegistryFull, r.max)
	}

	r.connMap[cs.ConnID] = cs
	r.setGauge()
	return nil
}

// Remove drops connID and reports whether it was present. The connection
// itself is not closed.
func (r *Registry) Remove(connID uint32) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, found := r.connMap[connID]
	if !found {
		return false
	}

	delete(r.connMap, connID)
	r.setGauge()
	return true
}

func (r *Registry) Contains(connID uint32) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, found := r.connMap[connID]
	return found
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.connMap)
}

// Snapshot returns the registered connections ordered by ConnID.
func (r *Registry) Snapshot() []*ConnState {
	r.mutex.RLock()
	list := make([]*ConnState, 0, len(r.connMap))
	for _, cs := range r.connMap {
		list = append(list, cs)
	}
	r.mutex.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].ConnID < list[j].ConnID
	})
	return list
}

// CloseAll closes and removes every registered connection. The registry
// refuses further additions afterwards.
func (r *Registry) CloseAll() error {
	r.mutex.Lock()
	connMap := r.connMap
	r.connMap = make(map[uint32]*ConnState)
	r.closed = true
	r.setGauge()
	r.mutex.Unlock()

	var err error
	for _, cs := range connMap {
		closeErr := cs.Conn.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			continue
		}
		multierr.AppendInto(&err, closeErr)
	}
	return err
}

// invoked with mutex held
func (r *Registry) setGauge() {
	if r.gauge == nil {
		return
	}
	r.gauge.Set(float64(len(r.connMap)))
}

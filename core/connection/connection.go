// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package connection implements the registry of named live connections.

A connection is a subscription on the notification bus together with a transport
which delivers its events to a client. Connections start in state connecting and
become open when the transport signals readiness with Ready. Each open connection
has its own delivery worker. Closing a connection deregisters it from the bus and
discards undelivered events; afterwards the name can be used again.
*/
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/logger"
	"github.com/relabs-tech/livestore/core/notify"
	"github.com/relabs-tech/livestore/core/query"
)

// ErrDisconnected is returned by a transport whose client has gone away. The
// registry closes the connection.
var ErrDisconnected = errors.New("transport disconnected")

// Transport delivers events to a client
type Transport interface {
	Deliver(ctx context.Context, event core.Event) error
}

// ClosedReporter is implemented by transports which know whether their client is
// still connected. A delivery error from a closed transport closes the connection.
type ClosedReporter interface {
	Closed() bool
}

// State is the lifecycle state of a connection
type State string

// The connection states
const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Info is a snapshot of a connection
type Info struct {
	// ID identifies this connection, unlike Name it is never reused
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	CollectionID string       `json:"collectionId"`
	Filter       query.Filter `json:"filter,omitempty"`
	State        State        `json:"state"`
	OpenedAt     time.Time    `json:"openedAt"`
	Stats        Stats        `json:"stats"`
}

// Stats are the delivery counters of a connection
type Stats struct {
	Queued    int   `json:"queued"`
	Dropped   int64 `json:"dropped"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

type connection struct {
	id           string
	name         string
	collectionID string
	filter       query.Filter
	openedAt     time.Time
	transport    Transport
	subscription *notify.Subscription

	state     State
	ctx       context.Context
	cancel    context.CancelFunc
	delivered atomic.Int64
	failed    atomic.Int64
	done      chan struct{}
}

// Builder is a builder helper for the Registry
type Builder struct {
	// Bus is the notification bus the connections subscribe to. Mandatory.
	Bus *notify.Bus
	// OnOpen is called when a connection becomes open. Optional.
	OnOpen func(Info)
	// OnClose is called when a connection is closed. Optional.
	OnClose func(Info)
}

// Registry is the registry of named connections
type Registry struct {
	bus     *notify.Bus
	onOpen  func(Info)
	onClose func(Info)

	mutex       sync.Mutex
	connections map[string]*connection
}

// New creates a new connection registry
func New(bb *Builder) *Registry {
	if bb.Bus == nil {
		panic("bus missing")
	}
	return &Registry{
		bus:         bb.Bus,
		onOpen:      bb.OnOpen,
		onClose:     bb.OnClose,
		connections: make(map[string]*connection),
	}
}

func (c *connection) info() Info {
	return Info{
		ID:           c.id,
		Name:         c.name,
		CollectionID: c.collectionID,
		Filter:       c.filter,
		State:        c.state,
		OpenedAt:     c.openedAt,
		Stats: Stats{
			Queued:    c.subscription.Queued(),
			Dropped:   c.subscription.Dropped(),
			Delivered: c.delivered.Load(),
			Failed:    c.failed.Load(),
		},
	}
}

// Open registers a new connection in state connecting. Events matching filter are
// queued from now on and delivered once the connection is ready. Opening a name
// which is connecting or open fails with Conflict.
func (r *Registry) Open(ctx context.Context, collectionID string, filter query.Filter, name string, transport Transport) (Info, error) {
	if name == "" {
		return Info{}, core.Validation("connection name must not be empty")
	}
	if collectionID == "" {
		return Info{}, core.Validation("collection id must not be empty")
	}
	if transport == nil {
		return Info{}, core.Validation("connection %s has no transport", name)
	}
	if filter.UsesCurrentUser() {
		return Info{}, core.Validation("connection %s: filter refers to the current user, resolve it before opening", name)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.connections[name]; exists {
		return Info{}, core.Conflict("connection %s is already open", name)
	}

	workerCtx, _ := logger.ContextWithLoggerConnection(context.WithoutCancel(ctx), name)
	workerCtx, cancel := context.WithCancel(workerCtx)
	c := &connection{
		id:           uuid.NewString(),
		name:         name,
		collectionID: collectionID,
		filter:       filter,
		openedAt:     time.Now().UTC(),
		transport:    transport,
		state:        StateConnecting,
		ctx:          workerCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	c.subscription = r.bus.Subscribe(collectionID, filter, name, func() {
		r.close(c, "collection deleted")
	})
	r.connections[name] = c
	logger.FromContext(workerCtx).WithField("collection", collectionID).Infoln("connection connecting")
	return c.info(), nil
}

// Ready marks a connecting connection as open, starts its delivery worker and calls
// the OnOpen callback. Calling Ready on an open connection does nothing.
func (r *Registry) Ready(name string) error {
	r.mutex.Lock()
	c, ok := r.connections[name]
	if !ok {
		r.mutex.Unlock()
		return core.NotFound("connection %s not found", name)
	}
	if c.state != StateConnecting {
		r.mutex.Unlock()
		return nil
	}
	c.state = StateOpen
	info := c.info()
	r.mutex.Unlock()

	go r.deliver(c)
	logger.FromContext(c.ctx).Infoln("connection open")
	if r.onOpen != nil {
		r.onOpen(info)
	}
	return nil
}

// Close closes a connection. Pending events are discarded; an event which is being
// delivered right now is not interrupted. Closing an unknown or closed connection
// succeeds.
func (r *Registry) Close(name string) error {
	r.mutex.Lock()
	c, ok := r.connections[name]
	r.mutex.Unlock()
	if !ok {
		return nil
	}
	r.close(c, "closed")
	return nil
}

// Release closes the connection described by info, which was returned by Open. It
// does nothing if that connection is closed already, even when its name has been
// reused by another connection since.
func (r *Registry) Release(info Info) error {
	r.mutex.Lock()
	c, ok := r.connections[info.Name]
	r.mutex.Unlock()
	if !ok || c.id != info.ID {
		return nil
	}
	r.close(c, "released")
	return nil
}

// CloseAll closes every connection
func (r *Registry) CloseAll() {
	r.mutex.Lock()
	all := make([]*connection, 0, len(r.connections))
	for _, c := range r.connections {
		all = append(all, c)
	}
	r.mutex.Unlock()
	for _, c := range all {
		r.close(c, "shutdown")
	}
}

func (r *Registry) close(c *connection, reason string) {
	r.mutex.Lock()
	if c.state == StateClosed {
		r.mutex.Unlock()
		return
	}
	c.state = StateClosed
	if r.connections[c.name] == c {
		delete(r.connections, c.name)
	}
	r.mutex.Unlock()

	c.cancel()
	r.bus.Unsubscribe(c.subscription)
	logger.FromContext(c.ctx).WithField("reason", reason).Infoln("connection closed")
	if r.onClose != nil {
		r.mutex.Lock()
		info := c.info()
		r.mutex.Unlock()
		r.onClose(info)
	}
}

// Get returns the connection with name
func (r *Registry) Get(name string) (Info, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	c, ok := r.connections[name]
	if !ok {
		return Info{}, core.NotFound("connection %s not found", name)
	}
	return c.info(), nil
}

// List returns all connections sorted by name
func (r *Registry) List() []Info {
	r.mutex.Lock()
	infos := make([]Info, 0, len(r.connections))
	for _, c := range r.connections {
		infos = append(infos, c.info())
	}
	r.mutex.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Done returns a channel which is closed when the delivery worker of the connection
// has stopped. It returns nil for unknown connections and for connections which
// never became ready.
func (r *Registry) Done(name string) <-chan struct{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	c, ok := r.connections[name]
	if !ok || c.state != StateOpen {
		return nil
	}
	return c.done
}

// deliver is the worker of an open connection. Closing the connection cancels the
// wait for the next event, a running Deliver keeps its own context and completes.
func (r *Registry) deliver(c *connection) {
	defer close(c.done)
	rlog := logger.FromContext(c.ctx)
	deliverCtx := context.WithoutCancel(c.ctx)
	for {
		event, err := c.subscription.Next(c.ctx)
		if err != nil {
			return
		}
		err = callWithPanicEnvelope(deliverCtx, c.transport, event)
		if err == nil {
			c.delivered.Add(1)
			continue
		}
		c.failed.Add(1)
		if disconnected(c.transport, err) {
			rlog.WithError(err).Infoln("transport disconnected")
			r.close(c, "disconnected")
			return
		}
		rlog.WithError(err).Errorf("Error 4751: cannot deliver %s event of document %s", event.Event, event.Data.ID)
	}
}

func disconnected(transport Transport, err error) bool {
	if errors.Is(err, ErrDisconnected) {
		return true
	}
	if reporter, ok := transport.(ClosedReporter); ok {
		return reporter.Closed()
	}
	return false
}

func callWithPanicEnvelope(ctx context.Context, transport Transport, event core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	return transport.Deliver(ctx, event)
}

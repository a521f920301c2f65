// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package ws provides real-time subscriptions over websockets.

  GET /collections/{collection}/subscribe?name=...&field=value&field_<operator>=value

Each websocket is a named connection in the connection registry. The filter
parameters follow the document list of the REST api. Events are sent as JSON text
messages of the form {"event":"create","data":{...document...}}. Browsers cannot set
headers on websockets, so the bearer token may also be passed as "token" parameter.
*/
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/access"
	"github.com/relabs-tech/livestore/core/connection"
	"github.com/relabs-tech/livestore/core/logger"
	"github.com/relabs-tech/livestore/core/store"
	"github.com/relabs-tech/livestore/transport/rest"
)

// Default timings
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
)

// Builder is a builder helper for the Handler
type Builder struct {
	// Router is the mux router the subscribe route is added to. Mandatory.
	Router *mux.Router
	// Store is the document store. Mandatory.
	Store *store.Store
	// Access validates tokens passed as url parameter. Mandatory.
	Access *access.Manager
	// Connections is the connection registry. Mandatory.
	Connections *connection.Registry
	// WriteTimeout limits a single websocket write. Defaults to DefaultWriteTimeout.
	WriteTimeout time.Duration
	// PingInterval is the keep-alive interval. Defaults to DefaultPingInterval.
	PingInterval time.Duration
}

// Handler serves websocket subscriptions
type Handler struct {
	store        *store.Store
	access       *access.Manager
	connections  *connection.Registry
	writeTimeout time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

// New creates the handler and adds the subscribe route to the router
func New(bb *Builder) *Handler {
	if bb.Router == nil {
		panic("router missing")
	}
	if bb.Store == nil {
		panic("store missing")
	}
	if bb.Access == nil {
		panic("access missing")
	}
	if bb.Connections == nil {
		panic("connections missing")
	}
	h := &Handler{
		store:        bb.Store,
		access:       bb.Access,
		connections:  bb.Connections,
		writeTimeout: bb.WriteTimeout,
		pingInterval: bb.PingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = DefaultWriteTimeout
	}
	if h.pingInterval <= 0 {
		h.pingInterval = DefaultPingInterval
	}
	logger.Default().Debugln("  handle route: /collections/{collection}/subscribe GET")
	// not wrapped in a compress handler, the connection gets hijacked
	bb.Router.HandleFunc("/collections/{collection}/subscribe", h.subscribe).Methods(http.MethodGet)
	return h
}

func (h *Handler) identity(r *http.Request) (*access.Identity, error) {
	if identity := access.IdentityFromContext(r.Context()); identity != nil {
		return identity, nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = rest.BearerToken(r)
	}
	if token == "" {
		return nil, nil
	}
	identity, err := h.access.Validate(token)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rlog := logger.FromContext(ctx)
	collectionID := mux.Vars(r)["collection"]

	identity, err := h.identity(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	params := r.URL.Query()
	name := params.Get("name")
	if name == "" {
		name = uuid.NewString()
	}
	for _, key := range []string{"name", "token", "limit", "offset", "orderBy"} {
		params.Del(key)
	}
	q, err := rest.ParseQuery(params)
	if err != nil {
		http.Error(w, err.Error(), core.HTTPStatus(err))
		return
	}
	userID := ""
	if identity != nil {
		userID = identity.UserID
	}
	filter, err := q.Filter.WithCurrentUser(userID)
	if err != nil {
		http.Error(w, err.Error(), core.HTTPStatus(err))
		return
	}
	if _, err = h.store.GetCollection(ctx, collectionID); err != nil {
		http.Error(w, err.Error(), core.HTTPStatus(err))
		return
	}

	// registering before the upgrade makes name conflicts a plain http error, and
	// events from now on are queued until the socket is ready
	t := &transport{writeTimeout: h.writeTimeout}
	info, err := h.connections.Open(ctx, collectionID, filter, name, t)
	if err != nil {
		http.Error(w, err.Error(), core.HTTPStatus(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Infoln("websocket upgrade failed")
		h.connections.Release(info)
		return
	}
	t.setConn(conn)
	if err = h.connections.Ready(name); err != nil {
		t.close(websocket.CloseGoingAway, "connection closed")
		return
	}
	done := h.connections.Done(name)
	if done == nil {
		t.close(websocket.CloseGoingAway, "connection closed")
		return
	}

	stop := make(chan struct{})
	go h.keepAlive(t, done, stop)

	conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	})
	// clients do not send anything; reading processes control frames and detects
	// disconnects
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	close(stop)
	t.markClosed()
	// the name may belong to a newer connection by now
	h.connections.Release(info)
	conn.Close()
}

// keepAlive pings the client and closes the socket once the registry has closed the
// connection
func (h *Handler) keepAlive(t *transport, done <-chan struct{}, stop <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-done:
			t.close(websocket.CloseGoingAway, "connection closed")
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				return
			}
		}
	}
}

// transport delivers events as JSON text messages. Writes are serialized, gorilla
// websockets support only one concurrent writer.
type transport struct {
	writeTimeout time.Duration

	mutex  sync.Mutex
	conn   *websocket.Conn
	closed atomic.Bool
}

func (t *transport) setConn(conn *websocket.Conn) {
	t.mutex.Lock()
	t.conn = conn
	t.mutex.Unlock()
}

// Deliver implements connection.Transport
func (t *transport) Deliver(ctx context.Context, event core.Event) error {
	if t.closed.Load() {
		return connection.ErrDisconnected
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.conn == nil {
		return fmt.Errorf("websocket not ready")
	}
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err = t.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		t.closed.Store(true)
		return fmt.Errorf("%w: %s", connection.ErrDisconnected, err)
	}
	return nil
}

// Closed implements connection.ClosedReporter
func (t *transport) Closed() bool {
	return t.closed.Load()
}

func (t *transport) markClosed() {
	t.closed.Store(true)
}

func (t *transport) ping() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// close sends a close frame and closes the socket, which ends the read loop
func (t *transport) close(code int, text string) {
	t.closed.Store(true)
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.conn == nil {
		return
	}
	t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(t.writeTimeout))
	t.conn.Close()
}

// client.go - connection lifecycle and frame dispatch.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client drives one multi-device session: the Noise transport,
// the stanza router with reply correlation, pairing and login, Signal
// message fanout and the app state sync engine. All stateful work for a
// connection is serialized through the processing mutex; events leave
// through the buffering bus.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/haven-im/wamd/appstate"
	"github.com/haven-im/wamd/client/config"
	"github.com/haven-im/wamd/event"
	"github.com/haven-im/wamd/internal/worker"
	"github.com/haven-im/wamd/log"
	"github.com/haven-im/wamd/signal"
	"github.com/haven-im/wamd/store"
	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
	"github.com/haven-im/wamd/wire"
)

const (
	// keepAliveGrace is added to the keepalive interval before a silent
	// connection is declared lost.
	keepAliveGrace = 5000 * time.Millisecond

	// handlerQueueDepth bounds the inbound processing queue. The reader
	// drops the connection rather than block behind a stuck processor.
	handlerQueueDepth = 2048
)

var (
	// ErrAlreadyConnected is returned by Connect on a live connection.
	ErrAlreadyConnected = errors.New("client: already connected")
)

// transport is the frame pipe a connection runs over. *wire.NoiseSocket
// implements it; tests substitute an in-memory pipe.
type transport interface {
	Frames() <-chan []byte
	SendFrame([]byte) error
	Close()
}

// dialFunc establishes the transport, handshake included.
type dialFunc func(ctx context.Context) (transport, error)

type storeTx = store.KeyStore

// conn is the state of one connection generation. A new value is made
// per Connect so that halting one connection never poisons the next.
type conn struct {
	worker.Worker

	t        transport
	closed   bool // guarded by Client.connLock
	lastRecv atomic.Int64
}

// Client is a multi-device session.
type Client struct {
	worker.Worker

	log        *logging.Logger
	logBackend *log.Backend

	cfg    *config.Config
	creds  *store.Creds
	keys   store.KeyStore
	signal signal.Repository
	bus    *event.Bus
	clock  types.Clock

	appstate *appstate.Processor

	dial   dialFunc
	router *router

	connLock sync.Mutex
	conn     *conn
	state    types.ConnectionState

	uniqueID  string
	idCounter atomic.Uint64

	pendingLock sync.Mutex
	pending     map[string]chan *wabinary.Node

	// processingMutex serializes message, receipt and notification
	// handling plus every app state operation, so effects land in wire
	// order.
	processingMutex sync.Mutex
	handlerQueue    chan *wabinary.Node

	// activeTx is the key store view of the transaction currently open
	// under processingMutex, nil outside one.
	activeTx storeTx

	qrLock sync.Mutex
	qrStop chan struct{}

	retryLock   sync.Mutex
	retryCounts map[string]int

	deviceCacheLock sync.Mutex
	deviceCache     map[string]*deviceCacheEntry

	groupCacheLock sync.Mutex
	groupCache     map[types.JID]*GroupInfo

	mediaConnLock sync.Mutex
	mediaConn     *MediaConn

	// appStateLock guards the history/initial-sync bookkeeping below.
	appStateLock          sync.Mutex
	pendingAppStateSync   bool
	initialSyncBuffered   bool
	initialAppStateSynced bool
}

// New assembles a Client around the given identity and collaborators.
// The credential blob is owned by the client from here on; callers
// persist it in response to creds update events.
//
// sig may be nil: the client then runs transport-only, pairing and
// syncing as usual but leaving end-to-end payloads sealed and refusing
// to send messages.
func New(cfg *config.Config, creds *store.Creds, keys store.KeyStore, sig signal.Repository) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, errors.New("client: nil creds")
	}
	if keys == nil {
		return nil, errors.New("client: nil key store")
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, fmt.Errorf("client: logging: %w", err)
	}

	mrand := rand.NewMath()
	c := &Client{
		log:        logBackend.GetLogger("client"),
		logBackend: logBackend,

		cfg:    cfg,
		creds:  creds,
		keys:   keys,
		signal: sig,
		bus:    event.NewBus(logBackend),
		clock:  types.SystemClock{},

		state: types.StateClosed,

		uniqueID: fmt.Sprintf("%d.%d-", mrand.Intn(1000), mrand.Intn(1000)),

		pending:      make(map[string]chan *wabinary.Node),
		handlerQueue: make(chan *wabinary.Node, handlerQueueDepth),
		retryCounts:  make(map[string]int),
		deviceCache:  make(map[string]*deviceCacheEntry),
		groupCache:   make(map[types.JID]*GroupInfo),
	}
	c.dial = c.dialNoise
	c.appstate = appstate.NewProcessor(c.appStateKey, logBackend)
	c.router = newRouter(logBackend.GetLogger("client/router"))
	c.registerRoutes()

	c.Go(c.processWorker)
	return c, nil
}

func (c *Client) registerRoutes() {
	r := c.router
	r.handle(matcher{Tag: "iq", AttrKey: "type", AttrValue: "set", ChildTag: "pair-device"}, c.handlePairDevice)
	r.handle(matcher{Tag: "iq", ChildTag: "pair-success"}, c.handlePairSuccess)
	r.handle(matcher{Tag: "success"}, c.handleLoginSuccess)
	r.handle(matcher{Tag: "failure"}, c.handleFailure)
	r.handle(matcher{Tag: "stream:error"}, c.handleStreamError)
	r.handle(matcher{Tag: "xmlstreamend"}, c.handleStreamEnd)
	r.handle(matcher{Tag: "ib"}, c.handleIB)
	r.handle(matcher{Tag: "message"}, c.enqueueFrame)
	r.handle(matcher{Tag: "receipt"}, c.enqueueFrame)
	r.handle(matcher{Tag: "notification"}, c.enqueueFrame)
	r.handle(matcher{Tag: "call"}, c.enqueueFrame)
	r.handle(matcher{Tag: "ack"}, c.handleAck)
	r.handle(matcher{Tag: "presence"}, c.handlePresence)
	r.handle(matcher{Tag: "chatstate"}, c.handleChatState)
}

// Events subscribes fn to the event stream and returns the subscription
// id for Unsubscribe.
func (c *Client) Events(fn event.Handler) uint64 {
	return c.bus.Subscribe(fn)
}

// Unsubscribe removes an event subscription.
func (c *Client) Unsubscribe(id uint64) {
	c.bus.Unsubscribe(id)
}

// Creds returns the live credential blob. It is owned by the client;
// read it only from event handlers reacting to creds updates.
func (c *Client) Creds() *store.Creds {
	return c.creds
}

// SetClock replaces the wall clock. Test hook; call before Connect.
func (c *Client) SetClock(clk types.Clock) {
	c.clock = clk
}

// Connect dials the relay, runs the Noise handshake and starts the
// connection workers. It returns once the transport is live; progress
// from there (pairing or login) is reported through events.
func (c *Client) Connect(ctx context.Context) error {
	c.connLock.Lock()
	if c.conn != nil {
		c.connLock.Unlock()
		return ErrAlreadyConnected
	}
	c.connLock.Unlock()

	c.setState(types.StateConnecting, nil)
	t, err := c.dial(ctx)
	if err != nil {
		c.setState(types.StateClosed, types.NewDisconnectError(types.ReasonConnectionClosed, err))
		return err
	}

	cn := &conn{t: t}
	cn.lastRecv.Store(c.clock.Now().UnixMilli())

	c.connLock.Lock()
	c.conn = cn
	c.connLock.Unlock()

	if c.creds.Registered() {
		c.setState(types.StateLoggingIn, nil)
	} else {
		c.setState(types.StatePairing, nil)
	}

	cn.Go(func() { c.readLoop(cn) })
	cn.Go(func() { c.keepAliveLoop(cn) })
	return nil
}

// dialNoise is the production dialer: WebSocket plus Noise handshake.
func (c *Client) dialNoise(ctx context.Context) (transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout())
	defer cancel()

	fs, err := wire.Dial(dialCtx, c.cfg.WebSocketURL, c.logBackend)
	if err != nil {
		return nil, err
	}

	c.setState(types.StateHandshaking, nil)
	keypair, err := c.creds.NoiseKeypair()
	if err != nil {
		fs.Close()
		return nil, err
	}
	ns, err := wire.Handshake(dialCtx, fs, &wire.HandshakeConfig{
		StaticKey:  keypair,
		Payload:    c.buildClientPayload().Marshal(),
		Timeout:    c.cfg.ConnectTimeout(),
		LogBackend: c.logBackend,
	})
	if err != nil {
		fs.Close()
		return nil, err
	}
	return ns, nil
}

// Connected reports whether a transport is live.
func (c *Client) Connected() bool {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.conn != nil
}

// State returns the current connection state.
func (c *Client) State() types.ConnectionState {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.state
}

// setState records a lifecycle transition and mirrors it as a
// connection update event.
func (c *Client) setState(s types.ConnectionState, lastDisconnect *types.DisconnectError) {
	c.connLock.Lock()
	c.state = s
	c.connLock.Unlock()
	upd := &event.ConnectionUpdate{Connection: s}
	if lastDisconnect != nil {
		upd.LastDisconnect = lastDisconnect
	}
	c.bus.Emit(upd)
}

// SendNode serializes and sends one stanza.
func (c *Client) SendNode(node wabinary.Node) error {
	c.connLock.Lock()
	cn := c.conn
	c.connLock.Unlock()
	if cn == nil {
		return types.ErrNotConnected
	}
	frame, err := wabinary.Marshal(node)
	if err != nil {
		return fmt.Errorf("client: marshal %s stanza: %w", node.Tag, err)
	}
	return cn.t.SendFrame(frame)
}

// Disconnect closes the connection without logging out. Safe to call on
// a closed client.
func (c *Client) Disconnect() {
	c.end(types.NewDisconnectError(types.ReasonConnectionClosed, nil))
}

// Logout asks the primary to drop this companion and tears down the
// connection with the loggedOut reason.
func (c *Client) Logout(ctx context.Context) error {
	if !c.creds.Registered() {
		return types.ErrNotLoggedIn
	}
	_, err := c.sendIQ(ctx, infoQuery{
		Namespace: "md",
		Type:      "set",
		Content: []wabinary.Node{{
			Tag:   "remove-companion-device",
			Attrs: map[string]string{"jid": c.creds.Me.String(), "reason": "user_initiated"},
		}},
	})
	if err != nil {
		return err
	}
	c.end(types.NewDisconnectError(types.ReasonLoggedOut, nil))
	return nil
}

// Close tears down the connection and the client's own workers. The
// client cannot be reused afterwards.
func (c *Client) Close() {
	c.Disconnect()
	c.Halt()
	c.bus.Close()
}

// end is the single teardown funnel. Every fatal error lands here; only
// the first call per connection does anything.
func (c *Client) end(reason *types.DisconnectError) {
	c.connLock.Lock()
	cn := c.conn
	if cn == nil || cn.closed {
		c.connLock.Unlock()
		return
	}
	cn.closed = true
	c.conn = nil
	c.state = types.StateClosing
	c.connLock.Unlock()

	c.log.Noticef("connection closed: %v", reason)
	c.stopQRRotation()
	cn.t.Close()
	// The conn workers exit on transport close or HaltCh; end may be
	// called from one of them, so the wait happens off to the side.
	go cn.Halt()
	c.cancelAllPending()

	c.connLock.Lock()
	c.state = types.StateClosed
	c.connLock.Unlock()
	c.bus.Emit(&event.ConnectionUpdate{
		Connection:     types.StateClosed,
		LastDisconnect: reason,
	})
}

// readLoop pulls frames off the transport until it dies. Handlers for
// ordered stanza kinds run on the processing worker, everything else is
// handled inline, so a frame is fully routed before the next one.
func (c *Client) readLoop(cn *conn) {
	for {
		select {
		case frame, ok := <-cn.t.Frames():
			if !ok || frame == nil {
				c.end(types.NewDisconnectError(types.ReasonConnectionClosed, errors.New("client: transport closed")))
				return
			}
			cn.lastRecv.Store(c.clock.Now().UnixMilli())
			c.handleFrame(frame)
		case <-cn.HaltCh():
			return
		}
	}
}

func (c *Client) handleFrame(frame []byte) {
	node, err := wabinary.Unmarshal(frame)
	if err != nil {
		c.log.Warningf("dropping undecodable frame: %v", err)
		return
	}
	if c.cfg.ShouldIgnoreJID != nil {
		if from, ferr := types.ParseJID(node.Attrs["from"]); ferr == nil && c.cfg.ShouldIgnoreJID(from) {
			return
		}
	}
	// Reply correlation runs before pattern routing.
	if node.Tag == "iq" || node.Tag == "ack" {
		if c.receiveResponse(node) {
			return
		}
	}
	if !c.router.dispatch(node) {
		c.log.Debugf("unhandled %s stanza: %s", node.Tag, node.XMLString())
	}
}

// enqueueFrame defers a stanza to the processing worker, preserving
// arrival order.
func (c *Client) enqueueFrame(node *wabinary.Node) bool {
	select {
	case c.handlerQueue <- node:
	default:
		c.log.Errorf("processing queue full, dropping connection")
		c.end(types.NewDisconnectError(types.ReasonConnectionClosed, errors.New("client: processing queue overflow")))
	}
	return true
}

// processWorker drains the handler queue for the life of the client,
// taking the processing mutex once per stanza.
func (c *Client) processWorker() {
	for {
		select {
		case node := <-c.handlerQueue:
			c.processNode(node)
		case <-c.HaltCh():
			return
		}
	}
}

func (c *Client) processNode(node *wabinary.Node) {
	c.processingMutex.Lock()
	defer c.processingMutex.Unlock()
	switch node.Tag {
	case "message":
		c.handleEncryptedMessage(node)
	case "receipt":
		c.handleReceipt(node)
	case "notification":
		c.handleNotification(node)
	case "call":
		c.sendStanzaAck(node)
	}
}

// keepAliveLoop pings on the configured cadence and tears the
// connection down once inbound traffic stalls past the grace window.
func (c *Client) keepAliveLoop(cn *conn) {
	interval := c.cfg.KeepAliveInterval()
	for {
		select {
		case <-c.clock.After(interval):
		case <-cn.HaltCh():
			return
		}
		silent := time.Duration(c.clock.Now().UnixMilli()-cn.lastRecv.Load()) * time.Millisecond
		if silent > interval+keepAliveGrace {
			c.end(types.NewDisconnectError(types.ReasonConnectionLost,
				fmt.Errorf("client: no traffic for %v", silent)))
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout())
			defer cancel()
			if _, err := c.sendIQ(ctx, infoQuery{
				Namespace: "w:p",
				Type:      "get",
				Content:   []wabinary.Node{{Tag: "ping"}},
			}); err != nil && !errors.Is(err, types.ErrClientClosed) && !errors.Is(err, types.ErrNotConnected) {
				c.log.Debugf("keepalive ping failed: %v", err)
			}
		}()
	}
}

// handleAck logs unsolicited acks; solicited ones were consumed by the
// reply correlator already.
func (c *Client) handleAck(node *wabinary.Node) bool {
	c.log.Debugf("ack for %s (class %s)", node.Attrs["id"], node.Attrs["class"])
	return true
}

func (c *Client) handleStreamEnd(_ *wabinary.Node) bool {
	c.end(types.NewDisconnectError(types.ReasonConnectionClosed, errors.New("client: stream ended")))
	return true
}

// handleStreamError maps server-initiated stream closes onto disconnect
// reasons.
func (c *Client) handleStreamError(node *wabinary.Node) bool {
	code := node.Attrs["code"]
	reason := types.ReasonStreamError
	switch code {
	case "401":
		reason = types.ReasonLoggedOut
	case "403":
		reason = types.ReasonForbidden
	case "411":
		reason = types.ReasonMultideviceMismatch
	case "515":
		reason = types.ReasonRestartRequired
	}
	if _, ok := node.GetOptionalChildByTag("conflict"); ok {
		reason = types.ReasonLoggedOut
	}
	if reason == types.ReasonLoggedOut {
		c.bus.Emit(&event.LoggedOut{Reason: reason})
	}
	c.end(types.NewDisconnectError(reason, &types.StreamError{Code: code, Reason: reason}))
	return true
}

// handleFailure maps a login failure onto a disconnect reason.
func (c *Client) handleFailure(node *wabinary.Node) bool {
	code := node.AttrParser().OptionalInt("reason")
	reason := types.ReasonBadSession
	switch code {
	case 401:
		reason = types.ReasonLoggedOut
	case 403:
		reason = types.ReasonForbidden
	case 411:
		reason = types.ReasonMultideviceMismatch
	}
	if reason == types.ReasonLoggedOut {
		c.bus.Emit(&event.LoggedOut{Reason: reason})
	}
	c.end(types.NewDisconnectError(reason, fmt.Errorf("client: login failure %d", code)))
	return true
}

// handleIB covers in-band server notices: the offline-queue drain marker
// and the web client downgrade demand.
func (c *Client) handleIB(node *wabinary.Node) bool {
	handled := false
	for _, child := range node.GetChildren() {
		switch child.Tag {
		case "offline":
			count := child.AttrParser().OptionalInt("count")
			c.log.Infof("server drained %d offline stanzas", count)
			c.maybeStartInitialBuffer()
			c.bus.Emit(&event.ConnectionUpdate{ReceivedPendingNotifications: true})
			handled = true
		case "downgrade_webclient":
			c.end(types.NewDisconnectError(types.ReasonMultideviceMismatch,
				errors.New("client: server demands non-multidevice web client")))
			handled = true
		case "edge_routing":
			// Routing hints are accepted and ignored.
			handled = true
		}
	}
	return handled
}

// txKeys returns the key store view appropriate for the caller: the
// open transaction when one is active under the processing mutex.
func (c *Client) txKeys() storeTx {
	if c.activeTx != nil {
		return c.activeTx
	}
	return c.keys
}

// isCommitRetryable reports whether err is a transient commit failure
// worth retrying.
func isCommitRetryable(err error) bool {
	var ce *store.CommitError
	return errors.As(err, &ce)
}

// emitCredsUpdate signals that the credential blob changed and must be
// re-persisted.
func (c *Client) emitCredsUpdate() {
	c.bus.Emit(&event.CredsUpdate{Creds: c.creds})
}

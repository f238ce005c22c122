package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hmdev/channelmesh/internal/delivery"
	"github.com/hmdev/channelmesh/internal/message"
)

// frame is a client request. Op selects the operation; the remaining fields
// mirror the HTTP bodies. RequestID is echoed on the reply so clients can
// pipeline.
type frame struct {
	RequestID string `json:"requestId,omitempty"`
	Op        string `json:"op"`

	SessionID       string                  `json:"sessionId,omitempty"`
	AsyncDisconnect bool                    `json:"asyncDisconnect,omitempty"`
	Connect         *message.ConnectRequest `json:"connect,omitempty"`
	Event           *message.EventMessage   `json:"event,omitempty"`
	Config          *message.ReceiveConfig  `json:"config,omitempty"`

	// Channel management and storage op fields.
	ChannelID string `json:"channelId,omitempty"`
	DevAPIKey string `json:"devApiKey,omitempty"`
	Key       string `json:"key,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Value     string `json:"value,omitempty"`
}

// reply is a response or push frame. Push frames carry no requestId and set
// Push to the push kind.
type reply struct {
	RequestID     string `json:"requestId,omitempty"`
	Push          string `json:"push,omitempty"`
	Status        string `json:"status"`
	Data          any    `json:"data,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// conn is one websocket client. Ops run on the read loop except receive and
// subscribe, which block and therefore run on their own goroutines; all
// writes funnel through the send channel to the write pump.
type conn struct {
	ws     *websocket.Conn
	broker Broker
	remote string
	log    *slog.Logger

	send chan reply

	// ctx is cancelled when the read pump exits, stopping the push loop and
	// any in-flight receives.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sessionID  string // session bound by connect/attach, used for cleanup
	pushCancel context.CancelFunc
}

func newConn(ws *websocket.Conn, broker Broker, remote string, log *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:     ws,
		broker: broker,
		remote: remote,
		log:    log.With("component", "stream-conn"),
		send:   make(chan reply, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *conn) readPump() {
	defer func() {
		c.cancel()
		c.ws.Close()
		// A dropped transport is an implicit disconnect.
		c.mu.Lock()
		sessionID := c.sessionID
		c.mu.Unlock()
		if sessionID != "" {
			if err := c.broker.Disconnect(sessionID, false); err != nil {
				c.log.Warn("disconnect on stream close failed", "error", err)
			}
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("stream read ended", "error", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(reply{Status: "error", StatusMessage: "malformed frame: " + err.Error()})
			continue
		}
		c.dispatch(f)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case r, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(r); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// reply queues a frame for the write pump. A client that cannot drain its
// buffer loses the connection instead of blocking the broker.
func (c *conn) reply(r reply) {
	select {
	case c.send <- r:
	default:
		c.log.Warn("stream send buffer full, dropping connection")
		c.cancel()
	}
}

func (c *conn) dispatch(f frame) {
	switch f.Op {
	case "connect":
		c.opConnect(f)
	case "attach":
		c.opAttach(f)
	case "disconnect":
		c.opDisconnect(f)
	case "send":
		c.opSend(f)
	case "receive":
		// Long-poll; must not stall the read loop.
		go c.opReceive(f)
	case "subscribe":
		c.opSubscribe(f)
	case "unsubscribe":
		c.opUnsubscribe(f)
	case "list-agents":
		c.opRoster(f, c.broker.ListAgents)
	case "list-system-agents":
		c.opRoster(f, c.broker.ListSystemAgents)
	case "status":
		c.opStatus(f)
	case "create-channel":
		c.opCreateChannel(f)
	case "delete-channel":
		c.opDeleteChannel(f)
	case "storage-put":
		c.opStoragePut(f)
	case "storage-get":
		c.opStorageGet(f)
	case "storage-list":
		c.opStorageList(f)
	case "storage-delete":
		c.opStorageDelete(f)
	default:
		c.fail(f, errors.New("unknown op: "+f.Op))
	}
}

func (c *conn) ok(f frame, data any) {
	c.reply(reply{RequestID: f.RequestID, Status: "success", Data: data})
}

func (c *conn) fail(f frame, err error) {
	msg := err.Error()
	if errors.Is(err, delivery.ErrSessionNotFound) {
		msg = delivery.ErrSessionNotFound.Error()
	}
	c.reply(reply{RequestID: f.RequestID, Status: "error", StatusMessage: msg})
}

func (c *conn) opConnect(f frame) {
	if f.Connect == nil {
		c.fail(f, errors.New("connect body missing"))
		return
	}
	resp, err := c.broker.Connect(*f.Connect, c.remote)
	if err != nil {
		c.fail(f, err)
		return
	}
	c.bindSession(resp.SessionID)
	c.ok(f, resp)
}

// opAttach binds an existing session to this connection, for clients that
// connected over HTTP and switch transports.
func (c *conn) opAttach(f frame) {
	if _, err := c.broker.Status(f.SessionID); err != nil {
		c.fail(f, err)
		return
	}
	c.bindSession(f.SessionID)
	c.ok(f, nil)
}

func (c *conn) bindSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *conn) opDisconnect(f frame) {
	sessionID := f.SessionID
	if sessionID == "" {
		c.mu.Lock()
		sessionID = c.sessionID
		c.mu.Unlock()
	}
	if err := c.broker.Disconnect(sessionID, f.AsyncDisconnect); err != nil {
		c.fail(f, err)
		return
	}
	c.mu.Lock()
	if c.sessionID == sessionID {
		c.sessionID = ""
	}
	c.mu.Unlock()
	c.ok(f, nil)
}

func (c *conn) opSend(f frame) {
	if f.Event == nil {
		c.fail(f, errors.New("event body missing"))
		return
	}
	state, err := c.broker.Send(c.session(f), *f.Event)
	if err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, state)
}

func (c *conn) opReceive(f frame) {
	var rc message.ReceiveConfig
	if f.Config != nil {
		rc = *f.Config
	}
	result, err := c.broker.Receive(c.ctx, c.session(f), rc)
	if err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, result)
}

// opSubscribe starts the push loop: blocking receives whose results are
// pushed as they arrive, with offsets advanced server-side. A second
// subscribe replaces the first.
func (c *conn) opSubscribe(f frame) {
	var rc message.ReceiveConfig
	if f.Config != nil {
		rc = *f.Config
	}
	sessionID := c.session(f)

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.pushCancel != nil {
		c.pushCancel()
	}
	c.pushCancel = cancel
	c.mu.Unlock()

	go c.pushLoop(ctx, sessionID, rc)
	c.ok(f, nil)
}

func (c *conn) opUnsubscribe(f frame) {
	c.mu.Lock()
	if c.pushCancel != nil {
		c.pushCancel()
		c.pushCancel = nil
	}
	c.mu.Unlock()
	c.ok(f, nil)
}

func (c *conn) pushLoop(ctx context.Context, sessionID string, rc message.ReceiveConfig) {
	rc.PollSource = message.PollBlocking
	for {
		if ctx.Err() != nil {
			return
		}
		result, err := c.broker.Receive(ctx, sessionID, rc)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.reply(reply{Push: "error", Status: "error", StatusMessage: err.Error()})
			return
		}
		if len(result.Events) > 0 || len(result.EphemeralEvents) > 0 {
			c.reply(reply{Push: "events", Status: "success", Data: result})
		}
		rc.GlobalOffset = result.NextGlobalOffset
		rc.LocalOffset = result.NextLocalOffset
	}
}

func (c *conn) opRoster(f frame, list func(string) ([]message.AgentInfo, error)) {
	agents, err := list(c.session(f))
	if err != nil {
		c.fail(f, err)
		return
	}
	if agents == nil {
		agents = []message.AgentInfo{}
	}
	c.ok(f, agents)
}

func (c *conn) opStatus(f frame) {
	status, err := c.broker.Status(c.session(f))
	if err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, status)
}

// opCreateChannel reuses the connect body: dev key, scope, name, password.
func (c *conn) opCreateChannel(f frame) {
	if f.Connect == nil {
		c.fail(f, errors.New("connect body missing"))
		return
	}
	state, err := c.broker.CreateChannel(*f.Connect)
	if err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, state)
}

func (c *conn) opDeleteChannel(f frame) {
	deleted, err := c.broker.DeleteChannel(f.ChannelID, f.DevAPIKey)
	if err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, map[string]bool{"deleted": deleted})
}

func (c *conn) opStoragePut(f frame) {
	if err := c.broker.StoragePut(c.session(f), f.Key, []byte(f.Value)); err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, nil)
}

func (c *conn) opStorageGet(f frame) {
	value, err := c.broker.StorageGet(c.session(f), f.Key)
	if err != nil {
		c.fail(f, err)
		return
	}
	data := map[string]any{"found": value != nil}
	if value != nil {
		data["value"] = string(value)
	}
	c.ok(f, data)
}

func (c *conn) opStorageList(f frame) {
	keys, err := c.broker.StorageList(c.session(f), f.Prefix)
	if err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, keys)
}

func (c *conn) opStorageDelete(f frame) {
	if err := c.broker.StorageDelete(c.session(f), f.Key); err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, nil)
}

// session resolves the session for an op: an explicit sessionId wins, else
// the one bound to the connection.
func (c *conn) session(f frame) string {
	if f.SessionID != "" {
		return f.SessionID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Package gateway is a WebSocket platform adapter. It speaks a small
// JSON frame protocol: an identify frame carrying the auth token, then
// heartbeats at the negotiated interval, message.create events inbound
// and reply frames outbound on the same socket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kotobot/koto/core"
	"github.com/kotobot/koto/platform"
)

// Config for the gateway adapter.
type Config struct {
	URL   string
	Token string

	// Heartbeat is the default interval; the server's hello frame can
	// override it.
	Heartbeat time.Duration
}

// frame is the wire envelope for every message in both directions.
type frame struct {
	Op   string          `json:"op"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

type identifyData struct {
	Token string `json:"token"`
}

type helloData struct {
	HeartbeatMS int `json:"heartbeat_ms"`
}

type messageData struct {
	ID      string `json:"id"`
	Author  struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"author"`
	Channel struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"channel"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type replyData struct {
	ChannelID string `json:"channel_id"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Content   string `json:"content"`
}

// Adapter connects to a gateway server and normalizes its events.
type Adapter struct {
	cfg     Config
	handler platform.MessageHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
}

// New creates a gateway adapter.
func New(cfg Config) *Adapter {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Platform() string { return "gateway" }

func (a *Adapter) OnMessage(h platform.MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect dials the gateway and starts the read loop. The loop
// reconnects with capped backoff until Disconnect or ctx cancellation.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.cfg.URL == "" {
		return fmt.Errorf("gateway url is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.dial(runCtx); err != nil {
		cancel()
		return err
	}
	go a.run(runCtx)
	return nil
}

func (a *Adapter) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	data, _ := json.Marshal(identifyData{Token: a.cfg.Token})
	if err := conn.WriteJSON(frame{Op: "identify", Data: data}); err != nil {
		conn.Close()
		return fmt.Errorf("send identify: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()
	return nil
}

// run owns the connection lifecycle: read until failure, then back off
// and redial.
func (a *Adapter) run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		err := a.readLoop(ctx)
		a.setDisconnected()
		if ctx.Err() != nil {
			return
		}
		log.Printf("[GATEWAY] connection lost: %v; reconnecting in %s", err, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}

		if err := a.dial(ctx); err != nil {
			log.Printf("[GATEWAY] redial failed: %v", err)
			continue
		}
		backoff = time.Second
	}
}

func (a *Adapter) readLoop(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer func() { stopHeartbeat() }()
	go a.heartbeat(heartbeatCtx, a.cfg.Heartbeat)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}

		switch f.Op {
		case "hello":
			var hello helloData
			if err := json.Unmarshal(f.Data, &hello); err == nil && hello.HeartbeatMS > 0 {
				stopHeartbeat()
				heartbeatCtx, stopHeartbeat = context.WithCancel(ctx)
				go a.heartbeat(heartbeatCtx, time.Duration(hello.HeartbeatMS)*time.Millisecond)
			}

		case "event":
			if f.Type == "message.create" {
				a.deliver(f.Data)
			}

		case "heartbeat_ack":
			// Nothing to do.

		default:
			log.Printf("[GATEWAY] unknown op %q", f.Op)
		}
	}
}

func (a *Adapter) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.writeFrame(frame{Op: "heartbeat"}); err != nil {
				log.Printf("[GATEWAY] heartbeat write failed: %v", err)
				return
			}
		}
	}
}

func (a *Adapter) deliver(raw json.RawMessage) {
	var data messageData
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("[GATEWAY] bad message.create payload: %v", err)
		return
	}

	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}

	ts := data.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	handler(core.IncomingMessage{
		ID:        data.ID,
		Platform:  "gateway",
		Author:    core.User{ID: data.Author.ID, Name: data.Author.Name},
		Channel:   core.Channel{ID: data.Channel.ID, Kind: data.Channel.Kind},
		Content:   data.Content,
		Timestamp: ts,
	})
}

// Reply sends a reply frame over the socket.
func (a *Adapter) Reply(ctx context.Context, original core.IncomingMessage, text string) error {
	data, err := json.Marshal(replyData{
		ChannelID: original.Channel.ID,
		ReplyTo:   original.ID,
		Content:   text,
	})
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return a.writeFrame(frame{Op: "reply", Data: data})
}

// writeFrame serializes concurrent writers; gorilla permits only one
// writer at a time.
func (a *Adapter) writeFrame(f frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || !a.connected {
		return fmt.Errorf("gateway not connected")
	}
	return a.conn.WriteJSON(f)
}

func (a *Adapter) setDisconnected() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

// Disconnect stops the read loop and closes the socket.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.setDisconnected()
	return nil
}

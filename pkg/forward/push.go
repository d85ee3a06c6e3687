package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wcfbridge/pkg/event"
)

const pushWriteTimeout = 5 * time.Second

// pushMessage is the frame written to the push channel.
type pushMessage struct {
	Event string                `json:"event"`
	Data  event.NormalizedEvent `json:"data"`
}

// Push keeps one outbound websocket open and writes every event to it. A
// broken connection is dropped and redialed on the next event.
type Push struct {
	url       string
	eventName string
	header    http.Header
	dialer    *websocket.Dialer
	log       *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewPush(url, eventName string, log *slog.Logger) *Push {
	if log == nil {
		log = slog.Default()
	}
	if eventName == "" {
		eventName = "wechat.event"
	}
	return &Push{
		url:       url,
		eventName: eventName,
		header:    http.Header{},
		dialer:    &websocket.Dialer{HandshakeTimeout: pushWriteTimeout},
		log:       log.With("component", "forward.push"),
	}
}

func (p *Push) Name() string { return "push" }

// Mode is always fire-and-forget: a missed push is not replayed.
func (p *Push) Mode() Mode { return ModeFireAndForget }

func (p *Push) Deliver(ctx context.Context, ev event.NormalizedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, _, err := p.dialer.DialContext(ctx, p.url, p.header)
		if err != nil {
			return fmt.Errorf("dial push channel: %w", err)
		}
		p.conn = conn
		p.log.Info("Push channel connected", "url", p.url)
		go p.discardReads(conn)
	}

	_ = p.conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
	if err := p.conn.WriteJSON(pushMessage{Event: p.eventName, Data: ev}); err != nil {
		_ = p.conn.Close()
		p.conn = nil
		return fmt.Errorf("write push channel: %w", err)
	}
	return nil
}

// discardReads services control frames and notices a closed peer.
func (p *Push) discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			p.mu.Lock()
			if p.conn == conn {
				_ = conn.Close()
				p.conn = nil
				p.log.Warn("Push channel disconnected", "error", err)
			}
			p.mu.Unlock()
			return
		}
	}
}

func (p *Push) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := p.conn.Close()
	p.conn = nil
	return err
}

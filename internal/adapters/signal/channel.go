package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voip/internal/core"
	"github.com/dkeye/voip/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrChannelNotOpen = errors.New("signaling channel is not open")

const defaultWriteWait = 5 * time.Second

// Dialer builds client channels to the relay at URL.
type Dialer struct {
	URL       string
	Header    http.Header
	WSDialer  *websocket.Dialer
	WriteWait time.Duration
}

func (d *Dialer) NewChannel() (core.SignalChannel, error) {
	if d.URL == "" {
		return nil, errors.New("relay url is empty")
	}
	wsd := d.WSDialer
	if wsd == nil {
		wsd = websocket.DefaultDialer
	}
	wait := d.WriteWait
	if wait <= 0 {
		wait = defaultWriteWait
	}
	return &WsChannel{
		url:       d.URL,
		header:    d.Header,
		dialer:    wsd,
		writeWait: wait,
		state:     domain.TransportConnecting,
	}, nil
}

// WsChannel is the client end of the relay. It starts in the connecting
// state and dials only when Open is called.
type WsChannel struct {
	url       string
	header    http.Header
	dialer    *websocket.Dialer
	writeWait time.Duration

	mu     sync.Mutex
	state  domain.TransportState
	conn   *websocket.Conn
	cancel context.CancelFunc
	opened bool

	writeMu sync.Mutex

	onOpen    core.Hooks[func()]
	onClose   core.Hooks[func()]
	onError   core.Hooks[func(error)]
	onMessage core.Hooks[func([]byte)]
}

func (c *WsChannel) OnOpen(fn func()) func() { return c.onOpen.Add(fn) }
func (c *WsChannel) OnClose(fn func()) func() { return c.onClose.Add(fn) }
func (c *WsChannel) OnError(fn func(error)) func() { return c.onError.Add(fn) }
func (c *WsChannel) OnMessage(fn func([]byte)) func() { return c.onMessage.Add(fn) }

func (c *WsChannel) State() domain.TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts dialing in the background. Later calls are ignored.
func (c *WsChannel) Open(ctx context.Context) {
	c.mu.Lock()
	if c.opened || c.state != domain.TransportConnecting {
		c.mu.Unlock()
		return
	}
	c.opened = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
}

func (c *WsChannel) run(ctx context.Context) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)

	c.mu.Lock()
	if c.state != domain.TransportConnecting {
		// Closed while dialing.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.state = domain.TransportClosed
		c.mu.Unlock()
		log.Warn().Err(err).Str("module", "signal").Str("url", c.url).Msg("dial failed")
		c.fireError(err)
		c.fireClose()
		return
	}
	c.conn = conn
	c.state = domain.TransportOpen
	c.mu.Unlock()

	log.Debug().Str("module", "signal").Str("url", c.url).Msg("channel open")
	for _, fn := range c.onOpen.Snapshot() {
		fn()
	}
	c.readLoop(conn)
}

func (c *WsChannel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.state == domain.TransportClosing || c.state == domain.TransportClosed {
				c.mu.Unlock()
				return
			}
			c.state = domain.TransportClosed
			c.mu.Unlock()
			_ = conn.Close()

			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("url", c.url).Msg("channel read error")
				c.fireError(err)
			}
			c.fireClose()
			return
		}
		for _, fn := range c.onMessage.Snapshot() {
			fn(data)
		}
	}
}

// Send writes one text frame.
func (c *WsChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.state != domain.TransportOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrChannelNotOpen
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close is idempotent. Close hooks fire once, unless already closed.
func (c *WsChannel) Close() error {
	c.mu.Lock()
	if c.state == domain.TransportClosed || c.state == domain.TransportClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = domain.TransportClosing
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeWait))
		c.writeMu.Unlock()
		err = conn.Close()
	}

	c.mu.Lock()
	c.state = domain.TransportClosed
	c.mu.Unlock()
	c.fireClose()
	return err
}

func (c *WsChannel) fireError(err error) {
	for _, fn := range c.onError.Snapshot() {
		fn(err)
	}
}

func (c *WsChannel) fireClose() {
	for _, fn := range c.onClose.Snapshot() {
		fn()
	}
}

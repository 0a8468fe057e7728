package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/types"
	"github.com/example/tick-sync-engine/internal/wire"
)

// ClientConfig controls the dialing side.
type ClientConfig struct {
	HandshakeTimeout time.Duration
	SendBuffer       int
	WriteTimeout     time.Duration
	// HelloTimeout bounds the wait for the server's peer id assignment.
	HelloTimeout time.Duration
}

// Client is the peer-side transport: one socket to the server, the same
// two-channel discipline as the gateway. It satisfies Sender, where the only
// addressable peer is the server.
type Client struct {
	logger zerolog.Logger
	cfg    ClientConfig
	conn   *websocket.Conn

	peerID  types.PeerID
	inbound chan Inbound
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the gateway and waits for the hello assigning this
// client's peer id.
func Dial(ctx context.Context, addr string, logger zerolog.Logger, cfg ClientConfig) (*Client, error) {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.HelloTimeout == 0 {
		cfg.HelloTimeout = 5 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		logger:  logger,
		cfg:     cfg,
		conn:    conn,
		inbound: make(chan Inbound, 1024),
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(cfg.HelloTimeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("await hello: %w", err)
	}
	if msgType != websocket.BinaryMessage {
		conn.Close()
		return nil, errors.New("await hello: unexpected message type")
	}
	m, err := Decode(data)
	if err != nil || m.Kind != KindHello {
		conn.Close()
		return nil, errors.New("await hello: malformed assignment")
	}
	d := wire.NewDecoder(m.Payload)
	c.peerID = types.PeerID(d.Int())
	if err := d.Err(); err != nil || c.peerID <= 0 {
		conn.Close()
		return nil, errors.New("await hello: bad peer id")
	}
	conn.SetReadDeadline(time.Time{})

	c.logger = logger.With().Int32("peer", int32(c.peerID)).Logger()
	go c.readLoop()
	go c.writeLoop()

	c.logger.Info().Str("addr", addr).Msg("connected")
	return c, nil
}

// PeerID returns the id the server assigned to this client.
func (c *Client) PeerID() types.PeerID { return c.peerID }

// Inbound is the stream of decoded messages from the server.
func (c *Client) Inbound() <-chan Inbound { return c.inbound }

// Done closes when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// SendReliable delivers to the server on the reliable channel.
func (c *Client) SendReliable(peer types.PeerID, m Message) error {
	m.Channel = ChannelReliable
	return c.enqueue(Encode(m), false)
}

// SendUnreliable delivers best-effort; a full queue sheds the message.
func (c *Client) SendUnreliable(peer types.PeerID, m Message) error {
	m.Channel = ChannelUnreliable
	if err := c.enqueue(Encode(m), true); err != nil {
		if errors.Is(err, errSendQueueFull) {
			messagesDropped.WithLabelValues("backpressure").Inc()
			return nil
		}
		return err
	}
	return nil
}

// ConnectedPeers lists the one peer a client can address: the server.
func (c *Client) ConnectedPeers() []types.PeerID {
	select {
	case <-c.done:
		return nil
	default:
		return []types.PeerID{1}
	}
}

// Close tears the connection down.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
}

func (c *Client) enqueue(data []byte, droppable bool) error {
	select {
	case <-c.done:
		return errPeerGone
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		if droppable {
			return errSendQueueFull
		}
		select {
		case c.send <- data:
			return nil
		case <-c.done:
			return errPeerGone
		}
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read loop exited")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		m, err := Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed envelope")
			continue
		}
		select {
		case c.inbound <- Inbound{Peer: 1, Msg: m}:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		}
	}
}

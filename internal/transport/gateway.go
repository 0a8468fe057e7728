package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/types"
	"github.com/example/tick-sync-engine/internal/wire"
)

var errPeerGone = errors.New("peer not connected")

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	MaxPeers     int
	// CheckOrigin overrides the upgrader's origin policy; nil allows all,
	// which is correct for game clients that are not browsers.
	CheckOrigin func(*http.Request) bool
}

// Gateway upgrades HTTP requests into peer connections, assigns peer ids,
// and hands decoded messages to the session loop through the Inbound
// channel. It satisfies Sender.
type Gateway struct {
	logger   zerolog.Logger
	cfg      GatewayConfig
	upgrader websocket.Upgrader

	inbound chan Inbound
	events  chan PeerEvent

	mu       sync.RWMutex
	peers    map[types.PeerID]*peerConn
	nextPeer types.PeerID
	closed   bool
}

// NewGateway creates a gateway with sane defaults.
func NewGateway(logger zerolog.Logger, cfg GatewayConfig) *Gateway {
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = 3 * cfg.PingInterval
	}
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = 64
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		inbound: make(chan Inbound, 1024),
		events:  make(chan PeerEvent, 64),
		peers:   make(map[types.PeerID]*peerConn),
		// Peer id 1 is the server itself; remote peers start at 2.
		nextPeer: 2,
	}
}

// Inbound is the stream of decoded messages from all peers. Consumed by the
// session loop only.
func (g *Gateway) Inbound() <-chan Inbound { return g.inbound }

// Events reports peer joins and leaves in arrival order.
func (g *Gateway) Events() <-chan PeerEvent { return g.events }

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if len(g.peers) >= g.cfg.MaxPeers {
		g.mu.Unlock()
		http.Error(w, "session full", http.StatusServiceUnavailable)
		return
	}
	peer := g.nextPeer
	g.nextPeer++
	g.mu.Unlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	pc := &peerConn{
		id:     peer,
		conn:   conn,
		send:   make(chan []byte, g.cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: g.logger.With().Int32("peer", int32(peer)).Logger(),
	}

	g.mu.Lock()
	g.peers[peer] = pc
	connectedPeers.Set(float64(len(g.peers)))
	g.mu.Unlock()

	hello := Message{
		Kind:    KindHello,
		Channel: ChannelReliable,
		Payload: wire.AppendInt(nil, int64(peer)),
	}
	if err := pc.enqueue(Encode(hello), false); err != nil {
		g.drop(pc)
		return
	}

	pc.logger.Info().Msg("peer connected")
	g.events <- PeerEvent{Peer: peer, Joined: true}

	go pc.writeLoop(g.cfg)
	go g.readLoop(pc)
}

func (g *Gateway) readLoop(pc *peerConn) {
	defer g.drop(pc)

	pc.conn.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
	pc.conn.SetPongHandler(func(string) error {
		return pc.conn.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
	})

	for {
		msgType, data, err := pc.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				pc.logger.Debug().Err(err).Msg("read loop exited")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		m, err := Decode(data)
		if err != nil {
			pc.logger.Warn().Err(err).Msg("malformed envelope")
			messagesDropped.WithLabelValues("malformed").Inc()
			continue
		}
		messagesReceived.WithLabelValues(m.Kind.String()).Inc()
		g.inbound <- Inbound{Peer: pc.id, Msg: m}
	}
}

func (g *Gateway) drop(pc *peerConn) {
	g.mu.Lock()
	if _, ok := g.peers[pc.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.peers, pc.id)
	connectedPeers.Set(float64(len(g.peers)))
	g.mu.Unlock()

	pc.close()
	pc.logger.Info().Msg("peer disconnected")
	g.events <- PeerEvent{Peer: pc.id, Joined: false}
}

// SendReliable delivers on the reliable channel. Sustained backpressure is a
// peer too slow to keep up, so the connection is dropped rather than the
// message.
func (g *Gateway) SendReliable(peer types.PeerID, m Message) error {
	m.Channel = ChannelReliable
	pc, ok := g.peer(peer)
	if !ok {
		return fmt.Errorf("send to peer %d: %w", peer, errPeerGone)
	}
	if err := pc.enqueue(Encode(m), false); err != nil {
		g.drop(pc)
		return err
	}
	messagesSent.WithLabelValues(m.Kind.String(), "reliable").Inc()
	return nil
}

// SendUnreliable delivers best-effort: a full send queue sheds the message.
func (g *Gateway) SendUnreliable(peer types.PeerID, m Message) error {
	m.Channel = ChannelUnreliable
	pc, ok := g.peer(peer)
	if !ok {
		return fmt.Errorf("send to peer %d: %w", peer, errPeerGone)
	}
	if err := pc.enqueue(Encode(m), true); err != nil {
		messagesDropped.WithLabelValues("backpressure").Inc()
		return nil
	}
	messagesSent.WithLabelValues(m.Kind.String(), "unreliable").Inc()
	return nil
}

// ConnectedPeers returns the connected peer ids in ascending order.
func (g *Gateway) ConnectedPeers() []types.PeerID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.PeerID, 0, len(g.peers))
	for id := range g.peers {
		out = append(out, id)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Close disconnects every peer and stops accepting upgrades.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	peers := make([]*peerConn, 0, len(g.peers))
	for _, pc := range g.peers {
		peers = append(peers, pc)
	}
	g.mu.Unlock()
	for _, pc := range peers {
		g.drop(pc)
	}
}

func (g *Gateway) peer(id types.PeerID) (*peerConn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pc, ok := g.peers[id]
	return pc, ok
}

type peerConn struct {
	id     types.PeerID
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

var errSendQueueFull = errors.New("send queue full")

func (pc *peerConn) enqueue(data []byte, droppable bool) error {
	select {
	case <-pc.done:
		return errPeerGone
	default:
	}
	select {
	case pc.send <- data:
		return nil
	default:
		if droppable {
			return errSendQueueFull
		}
		// Reliable backpressure: block briefly before giving up.
		select {
		case pc.send <- data:
			return nil
		case <-time.After(time.Second):
			return errSendQueueFull
		case <-pc.done:
			return errPeerGone
		}
	}
}

func (pc *peerConn) writeLoop(cfg GatewayConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pc.done:
			return
		case data := <-pc.send:
			pc.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := pc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				pc.logger.Debug().Err(err).Msg("write loop error")
				pc.close()
				return
			}
		case <-ticker.C:
			pc.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := pc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				pc.close()
				return
			}
		}
	}
}

func (pc *peerConn) close() {
	pc.once.Do(func() {
		close(pc.done)
		pc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		pc.conn.Close()
	})
}

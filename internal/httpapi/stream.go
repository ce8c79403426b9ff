package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
	sendBuffer     = 8
)

// streamKey identifies what a subscriber watches. Subscribers sharing a key
// share one snapshot per poll.
type streamKey struct {
	userID    string
	accountID string
}

// SnapshotFunc builds the message pushed to subscribers of key.
type SnapshotFunc func(ctx context.Context, userID, accountID string) ([]byte, error)

type streamClient struct {
	key  streamKey
	conn *websocket.Conn
	send chan []byte
}

// Hub polls account snapshots for connected websocket clients and fans them
// out. All client bookkeeping happens on the Run goroutine.
type Hub struct {
	snapshot SnapshotFunc
	interval time.Duration
	log      *slog.Logger

	clients    map[*streamClient]bool
	register   chan *streamClient
	unregister chan *streamClient
	results    chan map[streamKey][]byte
	done       chan struct{}
}

// NewHub creates a Hub that polls every interval.
func NewHub(snapshot SnapshotFunc, interval time.Duration, log *slog.Logger) *Hub {
	return &Hub{
		snapshot:   snapshot,
		interval:   interval,
		log:        log,
		clients:    make(map[*streamClient]bool),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		results:    make(chan map[streamKey][]byte),
		done:       make(chan struct{}),
	}
}

// Run starts the Hub's event loop and blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	polling := false
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return nil

		case c := <-h.register:
			h.clients[c] = true
			metrics.StreamClients.Inc()
			h.log.Debug("stream client connected", "user_id", c.key.userID, "clients", len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
			}

		case <-ticker.C:
			if polling || len(h.clients) == 0 {
				continue
			}
			polling = true
			go h.poll(ctx, h.keys())

		case batch := <-h.results:
			polling = false
			for c := range h.clients {
				msg, ok := batch[c.key]
				if !ok {
					continue
				}
				select {
				case c.send <- msg:
				default:
					h.log.Warn("stream client too slow, dropping", "user_id", c.key.userID)
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *streamClient) {
	delete(h.clients, c)
	close(c.send)
	metrics.StreamClients.Dec()
}

func (h *Hub) keys() []streamKey {
	seen := make(map[streamKey]bool)
	var keys []streamKey
	for c := range h.clients {
		if !seen[c.key] {
			seen[c.key] = true
			keys = append(keys, c.key)
		}
	}
	return keys
}

func (h *Hub) poll(ctx context.Context, keys []streamKey) {
	batch := make(map[streamKey][]byte, len(keys))
	for _, k := range keys {
		msg, err := h.snapshot(ctx, k.userID, k.accountID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			msg, _ = json.Marshal(streamMessage{Type: "error", Error: err.Error(), Timestamp: time.Now().Unix()})
		}
		batch[k] = msg
	}
	select {
	case h.results <- batch:
	case <-ctx.Done():
	}
}

// Serve upgrades the request and streams snapshots for the given user until
// the client disconnects or the hub stops.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, userID, accountID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &streamClient{
		key:  streamKey{userID: userID, accountID: accountID},
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound messages and notices disconnects.
func (h *Hub) readPump(c *streamClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Server wiring
// ---------------------------------------------------------------------------

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowedOrigin(origin) != ""
		},
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, s.upgrader(), userID(r), accountParam(r))
}

// streamSnapshot reads account info and open positions for one subscriber
// key under the account's terminal session.
func (s *Server) streamSnapshot(ctx context.Context, userID, accountID string) ([]byte, error) {
	msg := streamMessage{Type: "snapshot"}
	err := s.Accounts.WithAccount(ctx, userID, accountID, func(ctx context.Context, acct *domain.TradingAccount) error {
		info, err := s.Terminal.AccountInfo(ctx)
		if err != nil {
			return err
		}
		positions, err := s.Engine.Positions(ctx)
		if err != nil {
			return err
		}
		msg.Account = acct
		msg.AccountInfo = toAccountInfoJSON(info)
		msg.Positions = toPositionsJSON(positions)
		return nil
	})
	if err != nil {
		return nil, err
	}
	msg.Timestamp = time.Now().Unix()
	return json.Marshal(msg)
}

package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	sendQueueSize  = 64
)

// WSClient is one websocket connection.
type WSClient struct {
	id         int64
	conn       *websocket.Conn
	server     *Server
	sendCh     chan any
	done       chan struct{}
	mu         sync.Mutex
	subscribed atomic.Bool
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Send queues msg for the client. Messages to a slow client are dropped.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.log.WithField("client", c.id).Warn("dropping message, send queue full")
	}
}

// Close closes the connection. Calling Close more than once is a no-op.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.WithError(err).Debug("websocket read")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.log.WithError(err).Debug("websocket write")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(rpcError(nil, codeParseError, "Parse error"))
		return
	}
	c.Send(c.server.call(req, c))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.log.WithField("client", client.id).Debug("websocket client connected")

	go client.writePump()
	client.readPump()
}

func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
	s.log.WithField("client", client.id).Debug("websocket client disconnected")
}

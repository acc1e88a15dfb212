package sessions

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the client domains are fixed
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 256
)

// ClientCommand is what the client sends over the websocket.
type ClientCommand struct {
	Action    string `json:"action"`
	Text      string `json:"text,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	IsTyping  bool   `json:"is_typing,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// WSManager owns the websocket connections and routes inbound commands to
// the session manager. It is the Manager's ClientGateway: everything the
// relay or the fan-out produces for a participant goes out through here.
type WSManager struct {
	manager *Manager

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	participantID string
	conn          *websocket.Conn
	send          chan []byte
}

func NewWSManager(manager *Manager) *WSManager {
	wm := &WSManager{
		manager: manager,
		clients: make(map[string]*wsClient),
	}
	manager.SetGateway(wm)
	return wm
}

// HandleChatWebSocket upgrades the connection and runs the client's pumps.
// A reconnect replaces any previous connection for the participant.
func (wm *WSManager) HandleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")
	if participantID == "" {
		http.Error(w, "participantID required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed for %s: %v", participantID, err)
		return
	}

	client := &wsClient{
		participantID: participantID,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
	}

	wm.mu.Lock()
	if old, exists := wm.clients[participantID]; exists {
		log.Printf("[WS] Replacing existing connection for %s", participantID)
		old.conn.Close()
	}
	wm.clients[participantID] = client
	wm.mu.Unlock()

	log.Printf("[WS] %s connected", participantID)

	snap := wm.manager.Initialize(participantID)
	wm.send(client, &ClientEvent{Type: ClientState, State: snap, Timestamp: time.Now().UTC()})

	go client.writePump()
	client.readPump(wm)
}

// Deliver implements ClientGateway. A participant without an attached
// connection simply misses the event; the state snapshot on reconnect
// catches them up.
func (wm *WSManager) Deliver(participantID string, ev *ClientEvent) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	client, exists := wm.clients[participantID]
	if !exists {
		return
	}
	wm.enqueue(client, ev)
}

func (wm *WSManager) send(client *wsClient, ev *ClientEvent) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	wm.enqueue(client, ev)
}

// enqueue marshals and queues an event, dropping it when the client's send
// buffer is full. Callers hold at least a read lock, which keeps the send
// channel from being closed underneath them.
func (wm *WSManager) enqueue(client *wsClient, ev *ClientEvent) {
	if wm.clients[client.participantID] != client {
		// Already replaced or removed; its send channel may be closed.
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[WS] Failed to marshal event for %s: %v", client.participantID, err)
		return
	}
	select {
	case client.send <- data:
	default:
		log.Printf("[WS] Send buffer full for %s, dropping %s event", client.participantID, ev.Type)
	}
}

func (wm *WSManager) removeClient(client *wsClient) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.clients[client.participantID] == client {
		delete(wm.clients, client.participantID)
		close(client.send)
	}
}

func (c *wsClient) readPump(wm *WSManager) {
	defer func() {
		wm.removeClient(c)
		c.conn.Close()
		log.Printf("[WS] %s disconnected", c.participantID)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var cmd ClientCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Unexpected close from %s: %v", c.participantID, err)
			}
			return
		}
		wm.dispatch(c, &cmd)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (wm *WSManager) dispatch(c *wsClient, cmd *ClientCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := c.participantID
	switch cmd.Action {
	case "send_message":
		res := wm.manager.SendMessage(ctx, id, cmd.Text)
		wm.send(c, &ClientEvent{Type: ClientSendResult, Result: res, Timestamp: time.Now().UTC()})

	case "typing":
		wm.manager.SetTyping(ctx, id, cmd.IsTyping)

	case "mark_read":
		wm.manager.MarkMessageAsRead(ctx, id, cmd.MessageID)

	case "set_replying":
		if err := wm.manager.SetReplyingTo(id, cmd.MessageID); err != nil {
			wm.send(c, &ClientEvent{Type: ClientError, Error: err.Error(), Timestamp: time.Now().UTC()})
		}

	case "disconnect":
		wm.manager.Disconnect(ctx, id)

	case "reset":
		wm.manager.Reset(ctx, id)

	case "state":
		wm.send(c, &ClientEvent{Type: ClientState, State: wm.manager.Snapshot(id), Timestamp: time.Now().UTC()})

	default:
		log.Printf("[WS] Unknown action %q from %s", cmd.Action, id)
	}
}

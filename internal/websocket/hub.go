package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/makeasinger/studio/internal/model"
)

const (
	sendBuffer   = 256
	eventBuffer  = 256
	pingInterval = 30 * time.Second
)

// Client is one websocket subscriber to a single job. Send is owned by the
// hub, which closes it when the subscription ends; pong is only ever
// written by the reader and is never closed.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
	pong  chan struct{}
}

func newClient(jobID string, conn *websocket.Conn) *Client {
	return &Client{
		JobID: jobID,
		Conn:  conn,
		Send:  make(chan []byte, sendBuffer),
		pong:  make(chan struct{}, 1),
	}
}

// jobEvent is an encoded message for a job's subscribers. Final events end
// the subscription once delivered.
type jobEvent struct {
	jobID   string
	payload []byte
	final   bool
}

// Hub fans job snapshots out to the websocket clients watching each job.
type Hub struct {
	subscribers map[string]map[*Client]struct{}
	mu          sync.RWMutex

	register   chan *Client
	unregister chan *Client
	events     chan jobEvent
	done       chan struct{}
	closeOnce  sync.Once
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		events:      make(chan jobEvent, eventBuffer),
		done:        make(chan struct{}),
	}
}

// Run owns the subscriber table until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, clients := range h.subscribers {
				for client := range clients {
					h.remove(client)
				}
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.subscribers[client.JobID] == nil {
				h.subscribers[client.JobID] = make(map[*Client]struct{})
			}
			h.subscribers[client.JobID][client] = struct{}{}
			h.mu.Unlock()
			log.Printf("[WS] → Subscribed to job %s", client.JobID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// Close stops Run and releases every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) deliver(ev jobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.subscribers[ev.jobID] {
		select {
		case client.Send <- ev.payload:
			if ev.final {
				h.remove(client)
			}
		default:
			log.Printf("[WS] ✗ Subscriber to job %s is not reading, dropping it", ev.jobID)
			h.remove(client)
		}
	}
}

// remove drops a client and closes its send channel. Callers hold mu.
func (h *Hub) remove(client *Client) {
	clients, ok := h.subscribers[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.subscribers, client.JobID)
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers returns the number of clients watching a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[jobID])
}

// JobUpdated forwards a job snapshot to its subscribers without blocking;
// the orchestrator calls it from the drain loop.
func (h *Hub) JobUpdated(_ context.Context, job model.Job) {
	payload := JobMessage(job)
	if payload == nil {
		return
	}
	select {
	case h.events <- jobEvent{jobID: job.ID, payload: payload, final: job.Status.IsTerminal()}:
	default:
		log.Printf("[WS] ✗ Event buffer full, dropping update for job %s", job.ID)
	}
}

// JobMessage encodes a snapshot as a progress, complete or error message.
func JobMessage(job model.Job) []byte {
	switch job.Status {
	case model.JobStatusSucceeded:
		return encode(model.JobCompleteEvent{
			SocketFrame: model.SocketFrame{Type: model.SocketComplete},
			JobID:       job.ID,
			Result:      job.Result,
		})
	case model.JobStatusFailed:
		msg := "generation failed"
		if job.Error != nil {
			msg = *job.Error
		}
		return encode(model.JobFailedEvent{
			SocketFrame: model.SocketFrame{Type: model.SocketError},
			JobID:       job.ID,
			Error:       model.FailureDetail{Code: "GENERATION_FAILED", Message: msg},
		})
	default:
		return encode(model.JobProgressEvent{
			SocketFrame:   model.SocketFrame{Type: model.SocketProgress},
			JobID:         job.ID,
			Status:        job.Status,
			Progress:      job.Progress,
			Stage:         job.Stage,
			QueuePosition: job.QueuePosition,
		})
	}
}

func encode(msg interface{}) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] Failed to marshal message: %v", err)
		return nil
	}
	return data
}

// HandleConnection serves one subscriber until either side closes. initial,
// when set, is written before any update so late subscribers see the
// current state; a terminal initial state closes the stream right after.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, initial []byte, finished bool) {
	client := newClient(jobID, c)
	if initial != nil {
		client.Send <- initial
	}

	if finished {
		close(client.Send)
		writePump(client)
		return
	}

	h.Register(client)
	defer h.Unregister(client)

	go writePump(client)
	readPump(client)
}

// writePump drains the client's queue onto the socket and keeps it alive.
func writePump(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-client.pong:
			if err := client.Conn.WriteMessage(websocket.TextMessage, pongFrame); err != nil {
				return
			}

		case <-ticker.C:
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump answers application-level pings until the connection drops.
func readPump(client *Client) {
	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] ✗ Job %s: %v", client.JobID, err)
			}
			return
		}

		handleFrame(client, message)
	}
}

var pongFrame = encode(model.SocketFrame{Type: model.SocketPong})

// handleFrame queues a pong for a ping frame and ignores anything else.
// Pending pongs collapse into one.
func handleFrame(client *Client, message []byte) {
	var frame model.SocketFrame
	if json.Unmarshal(message, &frame) != nil || frame.Type != model.SocketPing {
		return
	}
	select {
	case client.pong <- struct{}{}:
	default:
	}
}

package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/courierhq/courier/internal/shard"
)

// MessageType defines the type of a live feed message.
type MessageType string

const (
	// MessageTypeUpload indicates a batch was accepted and extracted.
	MessageTypeUpload MessageType = "upload_accepted"

	// MessageTypeSweep indicates a retention sweep completed.
	MessageTypeSweep MessageType = "sweep_complete"
)

// Message is one live feed broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// UploadData describes an accepted upload.
type UploadData struct {
	ProducerID string `json:"producerId"`
	Filename   string `json:"filename"`
	SizeBytes  int64  `json:"sizeBytes"`
}

// SweepData describes a completed retention sweep.
type SweepData struct {
	ShardsRemoved    int `json:"shardsRemoved"`
	ProducersRemoved int `json:"producersRemoved"`
	Errors           int `json:"errors"`
}

// Feed broadcasts operational events to connected WebSocket clients. Clients
// receive accepted-upload and sweep notifications; they never send anything
// back.
type Feed struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	// ctx is the server-lifetime context. Client reads run against it, not
	// the upgrade request's context, which net/http cancels as soon as the
	// handler returns.
	ctx context.Context

	logger *log.Logger
}

func newFeed(ctx context.Context, logger *log.Logger) *Feed {
	return &Feed{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		logger:    logger,
	}
}

// BroadcastUpload queues an upload notification.
func (f *Feed) BroadcastUpload(producerID, filename string, size int64) {
	data, err := json.Marshal(UploadData{ProducerID: producerID, Filename: filename, SizeBytes: size})
	if err != nil {
		return
	}
	f.send(Message{Type: MessageTypeUpload, Timestamp: time.Now(), Data: data})
}

// BroadcastSweep queues a sweep notification.
func (f *Feed) BroadcastSweep(stats shard.SweepStats) {
	data, err := json.Marshal(SweepData{
		ShardsRemoved:    stats.ShardsRemoved,
		ProducersRemoved: stats.ProducersRemoved,
		Errors:           stats.Errors,
	})
	if err != nil {
		return
	}
	f.send(Message{Type: MessageTypeSweep, Timestamp: time.Now(), Data: data})
}

func (f *Feed) send(msg Message) {
	select {
	case f.broadcast <- msg:
	default:
		f.logger.Println("Warning: live feed channel full, dropping message")
	}
}

// loop delivers queued messages to all connected clients until ctx is done.
func (f *Feed) loop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-f.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				f.logger.Printf("Failed to marshal live message: %v", err)
				continue
			}

			f.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(f.clients))
			for conn := range f.clients {
				conns = append(conns, conn)
			}
			f.clientsMu.RUnlock()

			for _, conn := range conns {
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := conn.Write(writeCtx, websocket.MessageText, data)
				cancel()

				if err != nil {
					f.removeClient(conn)
				}
			}
		}
	}
}

// handleWS upgrades the connection and registers the client.
func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	f.clientsMu.Lock()
	f.clients[conn] = true
	count := len(f.clients)
	f.clientsMu.Unlock()

	f.logger.Printf("Live feed client connected (total: %d)", count)

	go f.readLoop(conn)
}

// readLoop drains the connection so pings are answered and disconnects are
// noticed. It runs for the lifetime of the server, not the upgrade request.
func (f *Feed) readLoop(conn *websocket.Conn) {
	defer f.removeClient(conn)

	for {
		if _, _, err := conn.Read(f.ctx); err != nil {
			return
		}
	}
}

func (f *Feed) removeClient(conn *websocket.Conn) {
	f.clientsMu.Lock()
	_, exists := f.clients[conn]
	if exists {
		delete(f.clients, conn)
	}
	count := len(f.clients)
	f.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		f.logger.Printf("Live feed client disconnected (total: %d)", count)
	}
}

// closeAll disconnects every client, used during shutdown.
func (f *Feed) closeAll() {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()

	for conn := range f.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(f.clients, conn)
	}
}

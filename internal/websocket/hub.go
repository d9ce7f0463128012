package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"worktrack-collector/internal/models"
)

const (
	// ChannelPrefix is followed by the device id on every usage channel.
	ChannelPrefix = "usage_updates:"

	// allDevices is the watch key of dashboard clients without a device filter.
	allDevices = "*"

	MessageUsageUpdate = "usage_update"

	// writeWait is how long a single write to a dashboard may take. The
	// engine publishes on the heartbeat path, so a stalled reader must not
	// hold it up for longer.
	writeWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	mu   sync.Mutex // gorilla connections allow one concurrent writer
}

// write sends data or closes the connection. A closed connection ends the
// client's read loop, which unregisters it.
func (c *client) write(data []byte, wait time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		c.conn.Close()
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

// Hub streams usage updates to dashboard clients. With a Redis client it
// relays the usage_updates channels, subscribing per watched device while at
// least one client is interested. Without Redis it only delivers what is
// published in process through PublishUsage.
type Hub struct {
	mu          sync.RWMutex
	connections map[string][]*client
	redisClient *redis.Client
	cancelFuncs map[string]context.CancelFunc
	log         *slog.Logger
	writeWait   time.Duration
}

func NewHub(redisClient *redis.Client, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		connections: make(map[string][]*client),
		redisClient: redisClient,
		cancelFuncs: make(map[string]context.CancelFunc),
		log:         log,
		writeWait:   writeWait,
	}
}

// HandleWebSocket upgrades the request. ?device_id= narrows the stream to a
// single device.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if key == "" {
		key = allDevices
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}

	c := &client{id: uuid.New(), conn: conn}
	h.registerConnection(key, c)

	// Keep connection alive and handle disconnect
	go func() {
		defer h.unregisterConnection(key, c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (h *Hub) registerConnection(key string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[key] = append(h.connections[key], c)

	// Start pub/sub subscription if this is the first connection for this key
	if len(h.connections[key]) == 1 && h.redisClient != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[key] = cancel
		go h.subscribeToPubSub(ctx, key)
	}

	h.log.Info("websocket connected",
		slog.String("client_id", c.id.String()),
		slog.String("watch", key),
		slog.Int("watchers", len(h.connections[key])),
	)
}

func (h *Hub) unregisterConnection(key string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.conn.Close()

	clients := h.connections[key]
	for i, existing := range clients {
		if existing == c {
			h.connections[key] = append(clients[:i], clients[i+1:]...)
			break
		}
	}

	// If no more connections, cancel pub/sub
	if len(h.connections[key]) == 0 {
		delete(h.connections, key)
		if cancel, ok := h.cancelFuncs[key]; ok {
			cancel()
			delete(h.cancelFuncs, key)
		}
	}

	h.log.Info("websocket disconnected", slog.String("client_id", c.id.String()), slog.String("watch", key))
}

func (h *Hub) subscribeToPubSub(ctx context.Context, key string) {
	var pubsub *redis.PubSub
	if key == allDevices {
		pubsub = h.redisClient.PSubscribe(ctx, ChannelPrefix+"*")
	} else {
		pubsub = h.redisClient.Subscribe(ctx, ChannelPrefix+key)
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(key, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(key string, data []byte) {
	h.mu.RLock()
	clients := append([]*client(nil), h.connections[key]...)
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data, h.writeWait); err != nil {
			h.log.Warn("websocket write failed, dropping client", slog.String("client_id", c.id.String()), slog.Any("err", err))
		}
	}
}

// PublishUsage delivers an update to local watchers of the device and of all
// devices. It is used as the engine's publisher when Redis is not configured.
func (h *Hub) PublishUsage(_ context.Context, update models.UsageUpdate) error {
	data, err := EncodeUsageUpdate(update)
	if err != nil {
		return err
	}
	h.broadcast(update.DeviceID, data)
	h.broadcast(allDevices, data)
	return nil
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.connections {
		n += len(clients)
	}
	return n
}

// Close disconnects every client and stops all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, cancel := range h.cancelFuncs {
		cancel()
		delete(h.cancelFuncs, key)
	}
	for _, clients := range h.connections {
		for _, c := range clients {
			c.conn.Close()
		}
	}
}

func EncodeUsageUpdate(update models.UsageUpdate) ([]byte, error) {
	return json.Marshal(models.WSMessage{Type: MessageUsageUpdate, Payload: update})
}

package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// DeviceIDHeader lets agents identify themselves to the rate limiter without
// the body being read twice.
const DeviceIDHeader = "X-Device-ID"

// peekLimit bounds how much of a request body ByDevice reads to find the
// device id.
const peekLimit = 64 << 10

// visitor counts requests in a fixed window starting at windowStart.
type visitor struct {
	count       int
	windowStart time.Time
}

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(r *http.Request) string

// ByDevice keys on the agent's device id, falling back to the client address.
// The id is taken from DeviceIDHeader, the device_id query parameter, or the
// device_id (or computer_id) field of a JSON body, in that order.
func ByDevice(r *http.Request) string {
	if id := r.Header.Get(DeviceIDHeader); id != "" {
		return "device:" + id
	}
	if id := r.URL.Query().Get("device_id"); id != "" {
		return "device:" + id
	}
	if id := peekDeviceID(r); id != "" {
		return "device:" + id
	}
	return "ip:" + r.RemoteAddr
}

type peekedBody struct {
	io.Reader
	io.Closer
}

// peekDeviceID reads the start of the body and puts it back for the handler.
func peekDeviceID(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, peekLimit))
	r.Body = peekedBody{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	if err != nil {
		return ""
	}
	var ids struct {
		DeviceID   string `json:"device_id"`
		ComputerID string `json:"computer_id"`
	}
	if json.Unmarshal(head, &ids) != nil {
		return ""
	}
	if ids.DeviceID != "" {
		return ids.DeviceID
	}
	return ids.ComputerID
}

func ByIP(r *http.Request) string {
	return "ip:" + r.RemoteAddr
}

type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    int
	window   time.Duration
	key      KeyFunc
	clock    quartz.Clock

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRateLimiter allows limit requests per window per key. Stop must be
// called to release the cleanup goroutine.
func NewRateLimiter(limit int, window time.Duration, key KeyFunc, clock quartz.Clock) *RateLimiter {
	if key == nil {
		key = ByIP
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		window:   window,
		key:      key,
		clock:    clock,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	// Cleanup goroutine
	ticker := clock.NewTicker(window, "ratelimit", "cleanup")
	go func() {
		defer close(rl.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-rl.stopCh:
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()

	return rl
}

func (rl *RateLimiter) cleanup() {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, v := range rl.visitors {
		if now.Sub(v.windowStart) >= rl.window {
			delete(rl.visitors, k)
		}
	}
}

// allow records one request for k and reports whether it is within the limit.
// The count starts over once the key's window has elapsed, however busy it
// was.
func (rl *RateLimiter) allow(k string) bool {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[k]
	if !exists || now.Sub(v.windowStart) >= rl.window {
		rl.visitors[k] = &visitor{count: 1, windowStart: now}
		return true
	}
	v.count++
	return v.count <= rl.limit
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(rl.key(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.", r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
		<-rl.doneCh
	})
}

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"worktrack-collector/internal/accounting"
	"worktrack-collector/internal/ingest"
)

const (
	TransportRedis = "redis"

	popTimeout    = 5 * time.Second
	handleTimeout = 10 * time.Second
	errorBackoff  = time.Second
)

// queueClient is the subset of *redis.Client the pool uses.
type queueClient interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

type rawHandler interface {
	HandleRaw(ctx context.Context, transport string, raw []byte) (accounting.Result, error)
}

// Pool drains heartbeats that gateways buffered on a Redis list. Payloads
// that fail validation are moved to a dead letter list for inspection.
//
// Heartbeats of one device may be handled out of order when workerCount is
// above one. Incremental agents are unaffected; legacy agents can trip the
// regression guard.
type Pool struct {
	redis       queueClient
	handler     rawHandler
	queue       string
	deadLetter  string
	workerCount int
	log         *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(redisClient queueClient, handler rawHandler, queue string, workerCount int, log *slog.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		redis:       redisClient,
		handler:     handler,
		queue:       queue,
		deadLetter:  queue + ":dead",
		workerCount: workerCount,
		log:         log.With(slog.String("component", "redis-ingest")),
	}
}

func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Info("started queue workers", slog.Int("workers", p.workerCount), slog.String("queue", p.queue))
}

// Stop cancels blocked pops and waits for the workers to return.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			p.log.Debug("worker shutting down", slog.Int("worker", id))
			return
		}

		result, err := p.redis.BLPop(ctx, popTimeout, p.queue).Result()
		if errors.Is(err, redis.Nil) {
			continue // Timeout
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.log.Warn("queue pop failed", slog.Int("worker", id), slog.Any("err", err))
			select {
			case <-ctx.Done():
			case <-time.After(errorBackoff):
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		p.handle(ctx, id, result[1])
	}
}

func (p *Pool) handle(ctx context.Context, id int, raw string) {
	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	_, err := p.handler.HandleRaw(hctx, TransportRedis, []byte(raw))
	if err == nil {
		return
	}
	var ve *accounting.ValidationError
	if !errors.As(err, &ve) {
		p.log.Error("heartbeat failed", slog.Int("worker", id), slog.Any("err", err))
		return
	}
	p.log.Warn("heartbeat rejected, moving to dead letter list",
		slog.Int("worker", id),
		slog.String("dead_letter", p.deadLetter),
		slog.Any("err", err),
	)
	if err := p.redis.RPush(hctx, p.deadLetter, raw).Err(); err != nil {
		p.log.Error("dead letter push failed", slog.Any("err", err))
	}
}

var _ rawHandler = (*ingest.Dispatcher)(nil)

// Package consumer runs one consumer-group reader per transaction stream.
//
// Each consumer processes its stream serially: entries are fetched in
// batches, but a message is fully dispatched (including persistence) before
// the next one starts, so per-ticker effects from one stream stay ordered.
// Acking is the unit of progress: SUCCESS and IGNORED ack immediately, ERROR
// acks and copies the message to the dead-letter stream, REPLAY leaves the
// message pending and re-runs it after a delay until the replay budget is
// spent.
package consumer

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"portfolio-tracker/internal/config"
	"portfolio-tracker/internal/usecase"
)

// streamClient is the slice of the Redis API the consumer needs. Satisfied
// by redis.Cmdable.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
}

const (
	payloadField = "payload"

	fetchRetries    = 3
	fetchRetryDelay = time.Second

	// replayTickInterval is how often the replay queue is checked for due
	// entries.
	replayTickInterval = time.Second
)

// replayState tracks a message deferred for replay. The parsed Execution is
// kept so a replay never re-parses the payload.
type replayState struct {
	exec      Execution
	payload   string
	attempts  int
	notBefore time.Time
}

// Consumer reads one stream on behalf of a consumer group and dispatches
// every entry through its handler.
type Consumer struct {
	client  streamClient
	stream  string
	handler Handler
	cfg     config.ConsumerConfig
	logger  *slog.Logger

	running atomic.Bool
	replays map[string]*replayState
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds a consumer for one stream.
func New(client streamClient, cfg config.ConsumerConfig, stream string, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:  client,
		stream:  stream,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "consumer", "stream", stream),
		replays: make(map[string]*replayState),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run consumes until ctx is canceled. Only one Run per consumer may be
// active.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	defer c.running.Store(false)

	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	if err := c.reclaimPending(ctx); err != nil {
		c.logger.Warn("reclaim of pending entries failed", "error", err)
	}

	c.logger.Info("consumer started", "group", c.cfg.Group, "consumer", c.cfg.Name)

	// Fetcher fills a bounded buffer; the loop below drains it serially so
	// per-ticker effects from this stream stay ordered.
	msgCh := make(chan redis.XMessage, c.cfg.BufferSize)
	go c.fetchLoop(ctx, msgCh)

	replayTick := time.NewTicker(replayTickInterval)
	defer replayTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgCh:
			c.process(ctx, msg)
		case <-replayTick.C:
			c.runDueReplays(ctx)
		}
	}
}

func (c *Consumer) fetchLoop(ctx context.Context, msgCh chan<- redis.XMessage) {
	for ctx.Err() == nil {
		for _, msg := range c.fetch(ctx) {
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// ensureGroup creates the consumer group, tolerating a concurrently created
// one.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// reclaimPending claims entries stuck with dead consumers and runs them
// through the normal dispatch path.
func (c *Consumer) reclaimPending(ctx context.Context) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.ReadCount,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}

	var ids []string
	for _, entry := range pending {
		if entry.Consumer != c.cfg.Name && entry.Idle >= c.cfg.ReclaimMinIdle {
			ids = append(ids, entry.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		MinIdle:  c.cfg.ReclaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return err
	}

	reclaimedTotal.WithLabelValues(c.stream).Add(float64(len(claimed)))
	c.logger.Info("reclaimed pending entries", "count", len(claimed))
	for _, msg := range claimed {
		c.process(ctx, msg)
	}
	return nil
}

// fetch reads the next batch. Transient read failures are retried a few
// times; if the stream stays unreadable an empty batch is returned and the
// outer loop comes back around.
func (c *Consumer) fetch(ctx context.Context) []redis.XMessage {
	for attempt := 0; attempt < fetchRetries; attempt++ {
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  []string{c.stream, ">"},
			Count:    c.cfg.ReadCount,
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("stream read failed", "attempt", attempt+1, "error", err)
			if c.sleep(ctx, fetchRetryDelay) != nil {
				return nil
			}
			continue
		}
		var msgs []redis.XMessage
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
		return msgs
	}
	return nil
}

// process dispatches one freshly delivered message.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	payload, ok := msg.Values[payloadField].(string)
	if !ok {
		c.logger.Error("entry missing payload field", "id", msg.ID)
		c.deadLetter(ctx, msg.ID, "", "missing payload field")
		c.ack(ctx, msg.ID)
		messagesTotal.WithLabelValues(c.stream, "unprocessable").Inc()
		return
	}

	exec, err := c.handler([]byte(payload))
	if err != nil {
		c.logger.Error("unprocessable payload", "id", msg.ID, "error", err)
		c.deadLetter(ctx, msg.ID, payload, err.Error())
		c.ack(ctx, msg.ID)
		messagesTotal.WithLabelValues(c.stream, "unprocessable").Inc()
		return
	}

	c.dispatch(ctx, msg.ID, payload, exec, exec(ctx), 0)
}

// dispatch applies the outcome of one execution. attempts counts replays
// already consumed for this message.
func (c *Consumer) dispatch(ctx context.Context, id, payload string, exec Execution, res usecase.Result, attempts int) {
	switch res.Status {
	case usecase.StatusSuccess:
		c.ack(ctx, id)
		messagesTotal.WithLabelValues(c.stream, "success").Inc()
	case usecase.StatusIgnored:
		c.logger.Debug("message ignored", "id", id, "reason", res.Reason)
		c.ack(ctx, id)
		messagesTotal.WithLabelValues(c.stream, "ignored").Inc()
	case usecase.StatusReplay:
		if attempts >= c.cfg.MaxReplayAttempts {
			c.logger.Error("replay budget exhausted, dead-lettering",
				"id", id, "attempts", attempts, "reason", res.Reason)
			c.deadLetter(ctx, id, payload, "replay budget exhausted: "+res.Reason)
			c.ack(ctx, id)
			c.dropReplay(id)
			messagesTotal.WithLabelValues(c.stream, "exhausted").Inc()
			return
		}
		c.scheduleReplay(id, payload, exec, attempts+1)
		c.logger.Info("message scheduled for replay",
			"id", id, "attempt", attempts+1, "reason", res.Reason)
	case usecase.StatusError:
		c.logger.Error("message failed", "id", id, "code", res.Code, "error", res.Err)
		c.deadLetter(ctx, id, payload, res.Reason)
		c.ack(ctx, id)
		messagesTotal.WithLabelValues(c.stream, "error").Inc()
	}
}

func (c *Consumer) scheduleReplay(id, payload string, exec Execution, attempts int) {
	if _, exists := c.replays[id]; !exists {
		pendingReplays.WithLabelValues(c.stream).Inc()
	}
	c.replays[id] = &replayState{
		exec:      exec,
		payload:   payload,
		attempts:  attempts,
		notBefore: c.now().Add(c.cfg.ReplayDelay),
	}
}

func (c *Consumer) dropReplay(id string) {
	if _, exists := c.replays[id]; exists {
		delete(c.replays, id)
		pendingReplays.WithLabelValues(c.stream).Dec()
	}
}

// runDueReplays re-executes deferred messages whose delay has elapsed.
func (c *Consumer) runDueReplays(ctx context.Context) {
	now := c.now()
	for id, state := range c.replays {
		if now.Before(state.notBefore) {
			continue
		}
		replaysTotal.WithLabelValues(c.stream).Inc()
		res := state.exec(ctx)
		if res.Status != usecase.StatusReplay {
			c.dropReplay(id)
		}
		c.dispatch(ctx, id, state.payload, state.exec, res, state.attempts)
	}
}

// deadLetter copies a terminally failed message to the stream's dead-letter
// stream. Best effort: a failed copy is logged, never retried, and does not
// block acking.
func (c *Consumer) deadLetter(ctx context.Context, id, payload, reason string) {
	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream + ":" + c.cfg.DLQSuffix,
		Values: map[string]any{
			"originalMessageId": id,
			"originalStream":    c.stream,
			"error":             reason,
			"data":              payload,
			"failedAt":          c.now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		c.logger.Error("dead-letter write failed", "id", id, "error", err)
		return
	}
	deadLetteredTotal.WithLabelValues(c.stream).Inc()
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("ack failed", "id", id, "error", err)
	}
}

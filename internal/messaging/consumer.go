package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageHandler processes one inbound bus message. A nil return acknowledges
// the message; a non-nil return leaves it uncommitted so it is redelivered.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// PausableConsumer reads one topic with manual offset commits and can be
// paused by the backpressure guard. While paused no messages are fetched or
// acknowledged.
type PausableConsumer struct {
	reader  *kafka.Reader
	handler MessageHandler
	logger  *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
}

func NewPausableConsumer(brokers []string, topic, groupID string, handler MessageHandler, logger *zap.Logger) *PausableConsumer {
	c := &PausableConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			StartOffset: kafka.LastOffset,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Sugar().Errorf(msg, args...)
			}),
		}),
		handler: handler,
		logger:  logger,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Pause stops fetching after the in-flight message finishes.
func (c *PausableConsumer) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		c.logger.Warn("consumer paused")
	}
}

// Resume restarts fetching.
func (c *PausableConsumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		c.cond.Broadcast()
		c.logger.Info("consumer resumed")
	}
}

// Paused reports the current state.
func (c *PausableConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *PausableConsumer) waitWhilePaused(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused {
		if ctx.Err() != nil {
			return
		}
		c.cond.Wait()
	}
}

// Run consumes until ctx is cancelled. Offsets are committed only after the
// handler returns nil, so a message is never acknowledged before its effects
// are durably persisted.
func (c *PausableConsumer) Run(ctx context.Context) {
	defer c.reader.Close()

	// Unblock cond.Wait on shutdown.
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}()

	c.logger.Info("started consuming", zap.String("topic", c.reader.Config().Topic))

	for {
		if ctx.Err() != nil {
			return
		}
		c.waitWhilePaused(ctx)
		if ctx.Err() != nil {
			return
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("failed to fetch message", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// Retry the same message until it succeeds; fetching past an
		// unacknowledged message would silently drop it.
		for {
			err := c.handler(ctx, msg)
			if err == nil {
				break
			}
			c.logger.Error("message handler failed, offset not committed",
				zap.Error(err),
				zap.Int64("offset", msg.Offset),
				zap.Int("partition", msg.Partition))
			c.waitWhilePaused(ctx)
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit offset",
				zap.Error(err),
				zap.Int64("offset", msg.Offset))
		}
	}
}

package channels

import (
	"context"
	"strings"

	driver "github.com/rabbitmq/amqp091-go"

	"github.com/channel-layer/core/codec"
	"github.com/channel-layer/core/metrics"
)

const expireMarkerPrefix = "expire.bind."

// startDeadLetterConsumer is registered as the session's OnReady hook. It
// runs on every (re)connect: a prior consumer goroutine, if any, is stopped
// first so a reconnect never leaves two consumers racing the same queue.
func (l *Layer) startDeadLetterConsumer(ch *driver.Channel) error {
	l.dlMu.Lock()
	if l.dlCancel != nil {
		l.dlCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.dlCancel = cancel
	l.dlMu.Unlock()

	deliveries, err := ch.Consume(l.cfg.DeadLetters, "dead-letters", false, false, false, false, nil)
	if err != nil {
		return err
	}
	go l.consumeDeadLetters(ctx, deliveries)
	return nil
}

func (l *Layer) consumeDeadLetters(ctx context.Context, deliveries <-chan driver.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			l.handleDeadLetter(d)
		}
	}
}

// handleDeadLetter inspects the delivery's x-death history to decide what
// dead-lettered it. An expire-marker queue (named "expire.bind.<group>.
// <channel>") dead-lettering with reason "expired" means a group membership
// timed out: the channel is discarded from the group. The group and channel
// are read from the marker body; only if the body does not decode are they
// split from the queue name at the first dot after the prefix. The same queue can
// also dead-letter with reason "maxlen" purely because a re-add replaced its
// still-pending marker (its own max-length=1 cap firing on the new publish);
// that self-loop carries no membership change and is ignored. Anything else
// dead-lettering is a per-channel queue (named identically to its own
// fan-out exchange) that expired or overflowed on its own: the queue is
// already gone, so its exchange is now an orphan and is reaped with
// ExchangeDelete.
func (l *Layer) handleDeadLetter(d driver.Delivery) {
	_ = d.Ack(false)

	queue, reason, ok := deathInfo(d)
	if !ok {
		return
	}

	if !strings.HasPrefix(queue, expireMarkerPrefix) {
		l.recordDeadLetter(metrics.ReasonChannelExpiry)
		l.reapChannelExchange(queue)
		return
	}

	if reason == "maxlen" {
		l.recordDeadLetter(metrics.ReasonIgnoredMaxLen)
		return
	}

	l.recordDeadLetter(metrics.ReasonExpireMarker)
	group, channel, ok := splitExpireMarker(queue)
	if marker, err := codec.Decode(d.Body); err == nil {
		g, gok := marker["group"].(string)
		c, cok := marker["channel"].(string)
		if gok && cok {
			group, channel, ok = g, c, true
		}
	}
	if !ok {
		return
	}
	_ = l.GroupDiscard(context.Background(), group, channel)
}

// reapChannelExchange deletes the fan-out exchange GroupAdd declared for
// channel, once its queue has dead-lettered and is gone. A channel that
// never belonged to any group has no exchange to begin with, so this is a
// best-effort cleanup: amqp091-go reports a not-found exchange delete as a
// normal error, which is discarded here.
func (l *Layer) reapChannelExchange(channel string) {
	_, _ = l.session.Do(context.Background(), func(ch *driver.Channel) (bool, any, error) {
		if ch == nil {
			return false, nil, nil
		}
		return true, nil, ch.ExchangeDelete(channel, false, false)
	})
}

// deathInfo reads the originating queue and reason off the most recent entry
// of the delivery's x-death header. The Go AMQP driver decodes nested tables
// as driver.Table (map[string]interface{}), so the header value is a
// []interface{} of driver.Table rather than a typed struct.
func deathInfo(d driver.Delivery) (queue, reason string, ok bool) {
	raw, present := d.Headers["x-death"]
	if !present {
		return "", "", false
	}
	entries, isSlice := raw.([]interface{})
	if !isSlice || len(entries) == 0 {
		return "", "", false
	}
	entry, isTable := entries[0].(driver.Table)
	if !isTable {
		return "", "", false
	}
	queue, _ = entry["queue"].(string)
	reason, _ = entry["reason"].(string)
	return queue, reason, queue != ""
}

func splitExpireMarker(queue string) (group, channel string, ok bool) {
	rest := strings.TrimPrefix(queue, expireMarkerPrefix)
	idx := strings.Index(rest, ".")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

func (l *Layer) recordDeadLetter(kind string) {
	if l.metrics != nil {
		l.metrics.DeadLetters(kind)
	}
}

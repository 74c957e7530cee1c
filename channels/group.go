package channels

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	driver "github.com/rabbitmq/amqp091-go"

	"github.com/channel-layer/core/broker"
	"github.com/channel-layer/core/codec"
	"github.com/channel-layer/core/metadata"
)

// expireMarkerQueue names the per-(group, channel) TTL-bounded queue whose
// dead-lettering signals that a group membership has expired.
func expireMarkerQueue(group, channel string) string {
	return fmt.Sprintf("expire.bind.%s.%s", group, channel)
}

// SendOption overrides a per-call SendGroup setting.
type SendOption func(*sendGroupOpts)

type sendGroupOpts struct {
	expiry time.Duration
}

// WithGroupExpiry overrides the default per-message expiry (which otherwise
// matches Send's) for one SendGroup call.
func WithGroupExpiry(d time.Duration) SendOption {
	return func(o *sendGroupOpts) { o.expiry = d }
}

// GroupAdd joins channel to group: it schedules an expire marker, declares
// the group and channel fan-out exchanges, declares the channel's queue,
// binds the channel exchange as a destination of the group exchange, and
// binds the channel's queue to its own exchange. Every step runs as a
// sequential blocking broker call inside a single dispatcher job — the
// driver's synchronous request/response methods already give each step the
// prior step's acknowledgement before the next one runs, so no additional
// callback-chaining machinery is needed.
func (l *Layer) GroupAdd(ctx context.Context, group, channel string) error {
	_, err := l.session.Do(ctx, func(ch *driver.Channel) (bool, any, error) {
		if ch == nil {
			return false, nil, nil
		}
		if err := l.scheduleExpireMarker(ch, group, channel); err != nil {
			return true, nil, err
		}
		if err := ch.ExchangeDeclare(group, "fanout", false, false, false, false, nil); err != nil {
			return true, nil, err
		}
		if err := ch.ExchangeDeclare(channel, "fanout", false, false, false, false, nil); err != nil {
			return true, nil, err
		}
		if _, err := ch.QueueDeclare(channel, false, false, false, false, l.deadLetterArguments()); err != nil {
			return true, nil, err
		}
		if err := ch.ExchangeBind(channel, "", group, false, nil); err != nil {
			return true, nil, err
		}
		if err := ch.QueueBind(channel, "", channel, false, nil); err != nil {
			return true, nil, err
		}
		return true, nil, nil
	})
	if err == nil && l.metrics != nil {
		l.metrics.GroupAdds()
	}
	return err
}

// scheduleExpireMarker declares the expire-marker queue for (group, channel)
// and publishes the single marker message into it. The marker's TTL is the
// group's expiry; max-length=1 means a re-add overwrites, rather than
// accumulates, a still-pending marker; expires auto-deletes the queue
// shortly after it dead-letters.
func (l *Layer) scheduleExpireMarker(ch *driver.Channel, group, channel string) error {
	ttl := l.cfg.GroupExpiry
	expires := ttl + 500*time.Millisecond
	opts := broker.QueueOptions{
		MessageTTL: &ttl,
		Expiration: &expires,
		MaxLength:  1,
		DLExchange: l.cfg.DeadLetters,
	}
	name := expireMarkerQueue(group, channel)
	if _, err := ch.QueueDeclare(name, false, false, false, false, opts.AsArguments()); err != nil {
		return err
	}
	body, err := codec.Encode(metadata.Map{"group": group, "channel": channel})
	if err != nil {
		return err
	}
	pub := driver.Publishing{MessageId: uuid.NewString(), Body: body}
	return ch.PublishWithContext(context.Background(), "", name, false, false, pub)
}

// GroupDiscard severs channel's membership in group by unbinding the
// channel exchange from the group exchange. The channel's own exchange and
// queue are left intact; they may still belong to other groups.
func (l *Layer) GroupDiscard(ctx context.Context, group, channel string) error {
	_, err := l.session.Do(ctx, func(ch *driver.Channel) (bool, any, error) {
		if ch == nil {
			return false, nil, nil
		}
		return true, nil, ch.ExchangeUnbind(channel, "", group, false, nil)
	})
	if err == nil && l.metrics != nil {
		l.metrics.GroupDiscards()
	}
	return err
}

// SendGroup publishes message to group's fan-out exchange with an empty
// routing key. By default the message carries the same per-message expiry
// as a direct Send; pass WithGroupExpiry to override it for this call.
//
// SendGroup is fire-and-forget: it returns as soon as the publish job has
// been enqueued, not once it has run. There is no reply sink to wait on, so
// a publish failure discovered once the job actually runs against the
// operational channel is not reported back to the caller.
func (l *Layer) SendGroup(ctx context.Context, group string, message metadata.Map, opts ...SendOption) error {
	resolved := sendGroupOpts{expiry: l.cfg.Expiry}
	for _, opt := range opts {
		opt(&resolved)
	}
	body, err := codec.Encode(message)
	if err != nil {
		return err
	}
	pub := driver.Publishing{Body: body}
	if resolved.expiry > 0 {
		pub.Expiration = strconv.FormatInt(resolved.expiry.Milliseconds(), 10)
	}
	_, _, err = l.session.Submit(ctx, func(ch *driver.Channel) (bool, any, error) {
		if ch == nil {
			return false, nil, nil
		}
		return true, nil, ch.PublishWithContext(context.Background(), group, "", false, false, pub)
	})
	return err
}

package channels

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	driver "github.com/rabbitmq/amqp091-go"

	"github.com/channel-layer/core/codec"
	"github.com/channel-layer/core/metadata"
)

// Send delivers message to channel's queue, declaring it first (idempotent,
// same dead-letter-exchange argument every time) to read back its current
// length. ErrChannelFull is returned when that length has already reached
// the channel's configured capacity.
func (l *Layer) Send(ctx context.Context, channel string, message metadata.Map) error {
	v, err := l.session.Do(ctx, func(ch *driver.Channel) (bool, any, error) {
		if ch == nil {
			return false, nil, nil
		}
		q, err := ch.QueueDeclare(channel, false, false, false, false, l.deadLetterArguments())
		if err != nil {
			return true, nil, err
		}
		if q.Messages >= l.cfg.CapacityFor(channel) {
			return true, false, nil
		}
		body, err := codec.Encode(message)
		if err != nil {
			return true, nil, err
		}
		pub := driver.Publishing{
			MessageId:  uuid.NewString(),
			Body:       body,
			Expiration: strconv.FormatInt(l.cfg.Expiry.Milliseconds(), 10),
		}
		if err := ch.PublishWithContext(ctx, "", channel, false, false, pub); err != nil {
			return true, nil, err
		}
		return true, true, nil
	})
	if err != nil {
		return err
	}
	ok := v.(bool)
	l.recordSend(ok)
	if !ok {
		return ErrChannelFull
	}
	return nil
}

func (l *Layer) recordSend(ok bool) {
	if l.metrics != nil {
		l.metrics.Sends(ok)
	}
}

package channels

import (
	"context"
	"fmt"
	"reflect"
	"time"

	driver "github.com/rabbitmq/amqp091-go"

	"github.com/channel-layer/core/codec"
	"github.com/channel-layer/core/errors"
	"github.com/channel-layer/core/metadata"
	"github.com/channel-layer/core/metrics"
	"github.com/channel-layer/core/ulid"
)

// pollTimeout bounds how long a non-blocking Receive waits for a delivery.
const pollTimeout = 100 * time.Millisecond

type registration struct {
	deliveries map[string]<-chan driver.Delivery
	tags       map[string]string
}

// Receive registers a short-lived consumer on each of channels; the first
// delivery on any of them wins, is acknowledged, and its channel/message
// pair is returned after every other consumer is canceled.
//
// If block is false and nothing arrives within ~100ms, every consumer is
// canceled and ("", nil, nil) is returned. If block is true, consumers stay
// registered until a delivery arrives or ctx ends.
func (l *Layer) Receive(ctx context.Context, channels []string, block bool) (string, metadata.Map, error) {
	reg, err := l.registerConsumers(ctx, channels)
	if err != nil {
		return "", nil, err
	}

	waitCtx := ctx
	if !block {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, pollTimeout)
		defer cancel()
	}

	winner, delivery, ok := waitForDelivery(waitCtx, reg)
	l.cancelConsumers(reg)

	if !ok {
		if block {
			l.recordReceive(metrics.OutcomeMiss)
			return "", nil, ctx.Err()
		}
		l.recordReceive(metrics.OutcomeMiss)
		return "", nil, nil
	}

	_ = delivery.Ack(false)
	msg, err := codec.Decode(delivery.Body)
	if err != nil {
		return "", nil, errors.Wrap(err, "decode delivery")
	}
	l.recordReceive(metrics.OutcomeHit)
	return winner, msg, nil
}

func (l *Layer) registerConsumers(ctx context.Context, channels []string) (registration, error) {
	v, err := l.session.Do(ctx, func(ch *driver.Channel) (bool, any, error) {
		if ch == nil {
			return false, nil, nil
		}
		reg := registration{
			deliveries: make(map[string]<-chan driver.Delivery, len(channels)),
			tags:       make(map[string]string, len(channels)),
		}
		for _, c := range channels {
			id, genErr := ulid.New()
			tag := fmt.Sprintf("recv-%s", c)
			if genErr == nil {
				tag = fmt.Sprintf("recv-%s-%s", c, id.String())
			}
			d, err := ch.Consume(c, tag, false, false, false, false, nil)
			if err != nil {
				for _, t := range reg.tags {
					_ = ch.Cancel(t, false)
				}
				return true, nil, errors.Wrapf(err, "consume %s", c)
			}
			reg.deliveries[c] = d
			reg.tags[c] = tag
		}
		return true, reg, nil
	})
	if err != nil {
		return registration{}, err
	}
	return v.(registration), nil
}

func (l *Layer) cancelConsumers(reg registration) {
	if len(reg.tags) == 0 {
		return
	}
	_, _ = l.session.Do(context.Background(), func(ch *driver.Channel) (bool, any, error) {
		if ch == nil {
			return false, nil, nil
		}
		for _, tag := range reg.tags {
			_ = ch.Cancel(tag, false)
		}
		return true, nil, nil
	})
}

// waitForDelivery selects over every registered delivery channel plus ctx's
// Done channel. The channel set is only known at runtime, so reflect.Select
// is used instead of a fixed select statement.
func waitForDelivery(ctx context.Context, reg registration) (channel string, delivery driver.Delivery, ok bool) {
	names := make([]string, 0, len(reg.deliveries))
	cases := make([]reflect.SelectCase, 0, len(reg.deliveries)+1)
	for name, d := range reg.deliveries {
		names = append(names, name)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(d)})
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, recv, recvOK := reflect.Select(cases)
	if chosen == len(cases)-1 || !recvOK {
		return "", driver.Delivery{}, false
	}
	return names[chosen], recv.Interface().(driver.Delivery), true
}

func (l *Layer) recordReceive(outcome string) {
	if l.metrics != nil {
		l.metrics.Receives(outcome)
	}
}

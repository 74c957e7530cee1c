package dispatch

import (
	"context"
	"testing"
	"time"

	driver "github.com/rabbitmq/amqp091-go"
	tdd "github.com/stretchr/testify/assert"

	"github.com/channel-layer/core/errors"
)

func TestSubmitAndDrain(t *testing.T) {
	assert := tdd.New(t)
	q := New(4, func() bool { return true })

	sink, id, err := q.Submit(context.Background(), func(ch *driver.Channel) (bool, any, error) {
		return true, "ok", nil
	})
	assert.Nil(err)
	assert.NotEqual("", id.String())

	q.Drain(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := sink.Wait(ctx)
	assert.Nil(err)
	assert.Equal("ok", v)
}

func TestRetryIfClosed(t *testing.T) {
	assert := tdd.New(t)
	open := false
	q := New(1, func() bool { return open })

	sink, _, err := q.Submit(context.Background(), func(ch *driver.Channel) (bool, any, error) {
		return true, "done", nil
	})
	assert.Nil(err)

	// Closed: Drain should requeue without consuming capacity.
	q.Drain(nil)
	assert.Equal(1, q.Len(), "job stays queued while channel is closed")

	open = true
	q.Drain(nil)
	assert.Equal(0, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := sink.Wait(ctx)
	assert.Nil(err)
	assert.Equal("done", v)
}

func TestPropagateError(t *testing.T) {
	assert := tdd.New(t)
	q := New(1, func() bool { return true })

	boom := errors.New("boom")
	sink, _, err := q.Submit(context.Background(), func(ch *driver.Channel) (bool, any, error) {
		return true, nil, boom
	})
	assert.Nil(err)
	q.Drain(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, gotErr := sink.Wait(ctx)
	assert.Equal(boom, gotErr)
}

func TestSubmitBlocksWhenFull(t *testing.T) {
	assert := tdd.New(t)
	q := New(1, func() bool { return false })

	_, _, err := q.Submit(context.Background(), func(ch *driver.Channel) (bool, any, error) {
		return true, nil, nil
	})
	assert.Nil(err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = q.Submit(ctx, func(ch *driver.Channel) (bool, any, error) {
		return true, nil, nil
	})
	assert.NotNil(err, "second submit should block until context deadline since queue is full")
}

func TestRunSafelyRecoversPanic(t *testing.T) {
	assert := tdd.New(t)
	q := New(1, func() bool { return true })

	sink, _, err := q.Submit(context.Background(), func(ch *driver.Channel) (bool, any, error) {
		panic("internal programming error")
	})
	assert.Nil(err)
	q.Drain(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, gotErr := sink.Wait(ctx)
	assert.NotNil(gotErr)
}

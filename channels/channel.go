package channels

import (
	"context"
	"crypto/rand"
	"strings"

	driver "github.com/rabbitmq/amqp091-go"
)

const asciiLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randomASCIILetters(n int) string {
	seed := make([]byte, n)
	_, _ = rand.Read(seed)
	out := make([]byte, n)
	for i, b := range seed {
		out[i] = asciiLetters[int(b)%len(asciiLetters)]
	}
	return string(out)
}

// NewChannel generates a channel name by appending 12 random ASCII letters
// to pattern and returns the first candidate absent from the broker.
// pattern MUST end in '!' or '?' (reply channels); anything else is
// ErrInvalidPattern.
//
// Existence is checked with a passive queue declare, which closes its
// channel server-side on a miss — the driver's designed way of reporting
// "not found". That closure is given its own one-shot channel (opened via
// broker.Session.Channel, separate from the shared operational channel the
// dispatch queue drains) so it can never land mid-batch on a job the
// dispatcher queued for something else; the throwaway channel is discarded
// either way once the check is done.
func (l *Layer) NewChannel(ctx context.Context, pattern string) (string, error) {
	if !strings.HasSuffix(pattern, "!") && !strings.HasSuffix(pattern, "?") {
		return "", ErrInvalidPattern
	}
	for {
		candidate := pattern + randomASCIILetters(12)
		exists, err := l.channelExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}
}

// channelExists opens a dedicated channel for one passive declare and
// closes it afterward, regardless of outcome: on a miss the broker has
// already closed it server-side, so the explicit Close below is a no-op
// that just clears local state.
func (l *Layer) channelExists(ctx context.Context, candidate string) (bool, error) {
	ch, err := l.session.Channel(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = ch.Close() }()
	_, err = ch.QueueDeclarePassive(candidate, false, false, false, false, nil)
	return err == nil, nil
}

// DeclareChannel ensures channel's queue exists, idempotently, with the
// standard dead-letter-exchange argument. Workers call this before
// subscribing; once every channel a worker registered via RegisterWorker has
// been declared, its id is delivered on WorkerReady.
func (l *Layer) DeclareChannel(ctx context.Context, channel string) error {
	_, err := l.session.Do(ctx, func(ch *driver.Channel) (bool, any, error) {
		if ch == nil {
			return false, nil, nil
		}
		_, err := ch.QueueDeclare(channel, false, false, false, false, l.deadLetterArguments())
		return true, nil, err
	})
	if err != nil {
		return err
	}
	l.markDeclared(channel)
	return nil
}

package broker

import (
	"crypto/tls"

	xlog "github.com/channel-layer/core/log"
)

// Option configures a Session at construction time.
type Option func(*Session) error

// WithLogger sets the logger instance to use. Defaults to a no-op logger.
func WithLogger(l xlog.Logger) Option {
	return func(s *Session) error {
		s.log = l
		return nil
	}
}

// WithPrefetch bounds in-flight, unacknowledged deliveries on the
// operational channel by message count and by bytes. A size of 0 means
// unbounded by size.
func WithPrefetch(count, size int) Option {
	return func(s *Session) error {
		s.prefetchCount = count
		s.prefetchSize = size
		return nil
	}
}

// WithName sets the session's identifier, used as a prefix when generating
// names for anonymous queues. If not set, a random name is generated.
func WithName(name string) Option {
	return func(s *Session) error {
		s.name = name
		return nil
	}
}

// WithTopology preloads a broker topology declaration; every exchange,
// queue and binding is (re)declared on connect and on every reconnect.
func WithTopology(t Topology) Option {
	return func(s *Session) error {
		s.topology = t
		return nil
	}
}

// WithTLS sets the TLS configuration used when dialing an "amqps" URL.
func WithTLS(conf *tls.Config) Option {
	return func(s *Session) error {
		s.tlsConf = conf
		return nil
	}
}

package broker

import "time"

// Topology describes the broker entities a session expects to exist. Missing
// entities are declared on connect and on every reconnect.
type Topology struct {
	Exchanges []Exchange `json:"exchanges,omitempty" yaml:",omitempty"`
	Queues    []Queue    `json:"queues,omitempty" yaml:",omitempty"`
	Bindings  []Binding  `json:"bindings,omitempty" yaml:",omitempty"`
}

// Queue describes a broker queue declaration.
type Queue struct {
	Name       string                 `json:"name"`
	Durable    bool                   `json:"durable"`
	AutoDelete bool                   `json:"auto_delete" yaml:"auto_delete"`
	Exclusive  bool                   `json:"exclusive"`
	Arguments  map[string]interface{} `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Exchange describes a broker exchange declaration.
type Exchange struct {
	Name       string                 `json:"name"`
	Kind       string                 `json:"kind"`
	Durable    bool                   `json:"durable"`
	AutoDelete bool                   `json:"auto_delete" yaml:"auto_delete"`
	Internal   bool                   `json:"internal"`
	Arguments  map[string]interface{} `json:"arguments,omitempty" yaml:",omitempty"`
}

// Binding connects an exchange to a queue.
type Binding struct {
	Exchange   string                 `json:"exchange" yaml:"exchange"`
	Queue      string                 `json:"queue" yaml:"queue"`
	RoutingKey []string               `json:"routing_key" yaml:"routing_key"`
	Arguments  map[string]interface{} `json:"arguments,omitempty" yaml:",omitempty"`
}

// QueueOptions adjusts commonly used per-queue arguments; AsArguments
// produces the map a Queue.Arguments field expects. This is how expire-marker
// queues attach their TTL/expires/max-length triple and dead-letter-exchange
// argument; per-channel queues build their dead-letter-exchange table
// directly in the channels package.
type QueueOptions struct {
	MessageTTL     *time.Duration
	Expiration     *time.Duration
	MaxLength      uint
	MaxLengthBytes uint
	DLExchange     string
	DLRoutingKey   string
	MaxPriority    uint8
	LazyMode       bool
	Overflow       OverflowMode
}

// AsArguments returns the options as a properly encoded set of arguments.
func (qo *QueueOptions) AsArguments() map[string]interface{} {
	list := make(map[string]interface{})
	if qo.MessageTTL != nil {
		list["x-message-ttl"] = qo.MessageTTL.Milliseconds()
	}
	if qo.Expiration != nil {
		list["x-expires"] = qo.Expiration.Milliseconds()
	}
	if qo.MaxLength > 0 {
		list["x-max-length"] = qo.MaxLength
	}
	if qo.MaxLengthBytes > 0 {
		list["x-max-length-bytes"] = qo.MaxLengthBytes
	}
	if qo.DLExchange != "" {
		list["x-dead-letter-exchange"] = qo.DLExchange
	}
	if qo.DLRoutingKey != "" {
		list["x-dead-letter-routing-key"] = qo.DLRoutingKey
	}
	if qo.MaxPriority > 0 && qo.MaxPriority <= 9 {
		list["x-max-priority"] = qo.MaxPriority
	}
	if qo.LazyMode {
		list["x-queue-mode"] = "lazy"
	}
	if qo.Overflow != "" {
		list["x-overflow"] = qo.Overflow
	}
	return list
}

// OverflowMode adjusts the behavior of a queue when it reaches its
// configured maximum length.
type OverflowMode string

const (
	OverflowDropHead OverflowMode = "drop-head"
	OverflowReject   OverflowMode = "reject-publish"
	OverflowRejectDL OverflowMode = "reject-publish-dlx"
)

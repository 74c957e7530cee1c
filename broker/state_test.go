package broker

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

func ExampleTopology() {
	var inYAML = `
exchanges:
- name: dead-letters
  kind: fanout
  durable: true
queues:
- name: dead-letters
  durable: true
bindings:
- exchange: dead-letters
  queue: dead-letters
`
	tp := Topology{}
	if err := yaml.Unmarshal([]byte(inYAML), &tp); err != nil {
		panic(err)
	}
}

func ExampleQueueOptions_AsArguments() {
	ttl := 24 * time.Hour
	exp := ttl + 500*time.Millisecond
	opts := QueueOptions{
		MessageTTL: &ttl,
		Expiration: &exp,
		MaxLength:  1,
		DLExchange: "dead-letters",
	}
	fmt.Printf("%+v", opts.AsArguments())
}

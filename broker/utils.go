package broker

import (
	"crypto/rand"
	"fmt"
)

// randomName generates an internal, human-debuggable identifier; used for
// anonymous queues and as a session's default name. It has no relation to
// the channel-layer facade's own channel-name generator, which must produce
// names built only from ASCII letters.
func randomName(prefix string) string {
	seed := make([]byte, 4)
	_, _ = rand.Read(seed)
	return fmt.Sprintf("%s-%x", prefix, seed)
}

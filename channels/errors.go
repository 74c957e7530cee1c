package channels

import "github.com/channel-layer/core/errors"

// ErrChannelFull is returned by Send when the target channel's queue has
// reached its configured capacity.
var ErrChannelFull = errors.New("channel is at capacity")

// ErrInvalidPattern is returned by NewChannel when pattern does not end in
// '!' or '?'.
var ErrInvalidPattern = errors.New("channel pattern must end in '!' or '?'")

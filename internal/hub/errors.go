package hub

import (
	"errors"
	"time"
)

var errConnLimitReached = errors.New("hub: connection limit reached")

// timeNowAdd gives WriteControl a short deadline for the close handshake; a
// free function rather than inlining time.Now().Add(...) at each call site
// keeps the deadline constant in one place.
func timeNowAdd() time.Time {
	return time.Now().Add(2 * time.Second)
}

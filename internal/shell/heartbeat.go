package shell

import (
	"sync"
	"time"
)

// heartbeat fires on a fixed interval regardless of other traffic. It
// only translates time into channel events; the event loop decides what
// a tick means (sending a ping while a connection is open).
type heartbeat struct {
	ticker *time.Ticker
	once   sync.Once
}

func newHeartbeat(interval time.Duration) *heartbeat {
	return &heartbeat{ticker: time.NewTicker(interval)}
}

func (h *heartbeat) C() <-chan time.Time {
	return h.ticker.C
}

// Stop is idempotent. Once the connection is closing the scheduler must
// never be re-armed, so there is no Start counterpart.
func (h *heartbeat) Stop() {
	h.once.Do(h.ticker.Stop)
}

package socketnode

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
)

func newMsgID() string {
	return uuid.NewString()
}

// jitter returns d plus up to 20% random jitter, so retrying publishers
// across a fleet don't thunder together after a shared outage.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

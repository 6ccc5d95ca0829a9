package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns the id of a broker message published by the relay. Ids
// are ULIDs, so they sort by publish time and carry it.
func NewMessageID() string {
	return messageIDAt(time.Now())
}

func messageIDAt(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// MessageIDTime returns the publish time encoded in id, truncated to the
// millisecond. Ids from other publishers report false.
func MessageIDTime(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Account, attempt and audit ids are exposed to clients, so entropy comes
// from crypto/rand rather than a seeded math/rand source.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID stamped with the current time.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID stamped with t. Rows written with an injected clock
// use it so id order and timestamp order agree.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Time extracts the millisecond timestamp embedded in a ULID.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}

// NewToken returns an opaque random token (UUIDv4) for single-use credentials
// such as invitations. It carries no timestamp.
func NewToken() string {
	return uuid.NewString()
}

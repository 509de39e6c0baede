// Package ids mints the identifiers used across shardq: ULID message ids,
// xid lease tokens and consumer ids, and UUIDv7 etags for stores that do not
// derive their own.
package ids

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/xid"
)

// MaxMessageIDLength bounds caller supplied message ids.
const MaxMessageIDLength = 128

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a ULID stamped with at. ids minted in the same
// millisecond stay lexically ordered.
func NewMessageID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), entropy)
	if err != nil {
		// Monotonic entropy overflows only after 2^80 ids in one millisecond.
		return ulid.Make().String()
	}
	return id.String()
}

// MessageIDTime extracts the timestamp of a ULID message id. Caller supplied
// ids that are not ULIDs report false.
func MessageIDTime(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()).UTC(), true
}

// ValidateMessageID checks that id can be embedded in storage keys and
// receipts: 1..128 characters from [A-Za-z0-9_-].
func ValidateMessageID(id string) error {
	if id == "" {
		return fmt.Errorf("ids: message id required")
	}
	if len(id) > MaxMessageIDLength {
		return fmt.Errorf("ids: message id longer than %d bytes", MaxMessageIDLength)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("ids: invalid character %q in message id", c)
		}
	}
	return nil
}

// NewToken returns a fresh lease token.
func NewToken() string {
	return xid.New().String()
}

// NewConsumerID returns a fresh consumer id.
func NewConsumerID() string {
	return "c-" + xid.New().String()
}

// NewETag returns a time ordered UUIDv7 string.
func NewETag() string {
	return uuid.Must(uuid.NewV7()).String()
}

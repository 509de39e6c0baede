package ids_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/shardq/internal/ids"
)

func TestMessageIDsSortByCreation(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := ""
	for i := 0; i < 100; i++ {
		id := ids.NewMessageID(at)
		if id <= prev {
			t.Fatalf("id %q not greater than %q", id, prev)
		}
		prev = id
	}
	later := ids.NewMessageID(at.Add(time.Millisecond))
	if later <= prev {
		t.Fatalf("later id %q sorts before %q", later, prev)
	}
	ts, ok := ids.MessageIDTime(later)
	if !ok || !ts.Equal(at.Add(time.Millisecond)) {
		t.Fatalf("unexpected timestamp %v ok=%v", ts, ok)
	}
}

func TestValidateMessageID(t *testing.T) {
	t.Parallel()

	for _, good := range []string{"a", "order-42", "01HZY_x", ids.NewMessageID(time.Now())} {
		if err := ids.ValidateMessageID(good); err != nil {
			t.Fatalf("expected %q valid: %v", good, err)
		}
	}
	for _, bad := range []string{"", "a.b", "a/b", "sp ace", strings.Repeat("x", ids.MaxMessageIDLength+1)} {
		if err := ids.ValidateMessageID(bad); err == nil {
			t.Fatalf("expected %q invalid", bad)
		}
	}
}

func TestTokensAndETags(t *testing.T) {
	t.Parallel()

	if a, b := ids.NewToken(), ids.NewToken(); a == b || strings.Contains(a, ".") {
		t.Fatalf("unexpected tokens %q %q", a, b)
	}
	if !strings.HasPrefix(ids.NewConsumerID(), "c-") {
		t.Fatal("expected consumer id prefix")
	}
	parsed, err := uuid.Parse(ids.NewETag())
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected v7 etag, got %d", parsed.Version())
	}
}

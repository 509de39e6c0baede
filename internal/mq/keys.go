package mq

import (
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/shardq/internal/ids"
)

const (
	// MaxShards is the largest shard count a queue may be created with; shard
	// indexes are rendered with four digits.
	MaxShards = 9999
	// MaxPriority is the highest message priority.
	MaxPriority = 9

	maxQueueNameLength = 128
)

// ValidateQueueName checks that name can be embedded in storage keys:
// 1..128 characters from [A-Za-z0-9_.-], not "." or "..".
func ValidateQueueName(name string) error {
	if name == "" {
		return fmt.Errorf("mq: queue name required")
	}
	if len(name) > maxQueueNameLength {
		return fmt.Errorf("mq: queue name longer than %d bytes", maxQueueNameLength)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("mq: invalid queue name %q", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return fmt.Errorf("mq: invalid character %q in queue name", c)
		}
	}
	return nil
}

func queuePrefix(queue string) string {
	return "q/" + queue + "/"
}

func manifestKey(queue string) string {
	return queuePrefix(queue) + "manifest.json"
}

func shardPrefix(queue string, shard int) string {
	return fmt.Sprintf("%sshard/%04d/", queuePrefix(queue), shard)
}

func messagePrefix(queue string, shard int) string {
	return shardPrefix(queue, shard) + "msg/"
}

// messageKey orders envelopes by descending priority, then by id. ULID ids
// keep the remaining order close to enqueue order.
func messageKey(queue string, ref MessageRef) string {
	return fmt.Sprintf("%s%d-%s", messagePrefix(queue, ref.Shard), MaxPriority-ref.Priority, ref.ID)
}

func payloadPrefix(queue string, shard int) string {
	return shardPrefix(queue, shard) + "payload/"
}

func payloadKey(queue string, shard int, id string) string {
	return payloadPrefix(queue, shard) + id
}

func dlqPrefix(queue string) string {
	return queuePrefix(queue) + "dlq/"
}

func dlqKey(queue, id string) string {
	return dlqPrefix(queue) + id
}

func membersPrefix(queue string) string {
	return queuePrefix(queue) + "members/"
}

func memberKey(queue, consumerID string) string {
	return membersPrefix(queue) + consumerID
}

// parseMessageKey extracts the message reference from a key listed under
// messagePrefix(queue, shard).
func parseMessageKey(queue string, shard int, key string) (MessageRef, bool) {
	name, ok := strings.CutPrefix(key, messagePrefix(queue, shard))
	if !ok || len(name) < 3 || name[1] != '-' {
		return MessageRef{}, false
	}
	inverted := int(name[0] - '0')
	if inverted < 0 || inverted > MaxPriority {
		return MessageRef{}, false
	}
	id := name[2:]
	if ids.ValidateMessageID(id) != nil {
		return MessageRef{}, false
	}
	return MessageRef{Shard: shard, Priority: MaxPriority - inverted, ID: id}, true
}

// MessageRef locates an envelope: its shard, priority and id.
type MessageRef struct {
	Shard    int
	Priority int
	ID       string
}

// String renders ref as <shard>.<priority>.<id>.
func (r MessageRef) String() string {
	return strconv.Itoa(r.Shard) + "." + strconv.Itoa(r.Priority) + "." + r.ID
}

func (r MessageRef) validate() error {
	if r.Shard < 0 || r.Shard >= MaxShards {
		return fmt.Errorf("mq: shard %d out of range", r.Shard)
	}
	if r.Priority < 0 || r.Priority > MaxPriority {
		return fmt.Errorf("mq: priority %d out of range", r.Priority)
	}
	return ids.ValidateMessageID(r.ID)
}

// ParseMessageRef parses the <shard>.<priority>.<id> form produced by
// MessageRef.String.
func ParseMessageRef(s string) (MessageRef, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return MessageRef{}, fmt.Errorf("mq: malformed message reference %q", s)
	}
	return parseRefParts(s, parts)
}

func parseRefParts(s string, parts []string) (MessageRef, error) {
	shard, err := strconv.Atoi(parts[0])
	if err != nil {
		return MessageRef{}, fmt.Errorf("mq: malformed shard in %q", s)
	}
	priority, err := strconv.Atoi(parts[1])
	if err != nil {
		return MessageRef{}, fmt.Errorf("mq: malformed priority in %q", s)
	}
	ref := MessageRef{Shard: shard, Priority: priority, ID: parts[2]}
	if err := ref.validate(); err != nil {
		return MessageRef{}, err
	}
	return ref, nil
}

// Receipt proves a lease. It is required to ack, extend or release a claimed
// message.
type Receipt struct {
	MessageRef
	Token string
}

// String renders the receipt as <shard>.<priority>.<id>.<token>.
func (r Receipt) String() string {
	return r.MessageRef.String() + "." + r.Token
}

func (r Receipt) validate() error {
	if err := r.MessageRef.validate(); err != nil {
		return err
	}
	if r.Token == "" || strings.Contains(r.Token, ".") {
		return fmt.Errorf("mq: invalid lease token %q", r.Token)
	}
	return nil
}

// ParseReceipt parses the form produced by Receipt.String.
func ParseReceipt(s string) (Receipt, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Receipt{}, fmt.Errorf("mq: malformed receipt %q", s)
	}
	ref, err := parseRefParts(s, parts[:3])
	if err != nil {
		return Receipt{}, err
	}
	r := Receipt{MessageRef: ref, Token: parts[3]}
	if err := r.validate(); err != nil {
		return Receipt{}, err
	}
	return r, nil
}

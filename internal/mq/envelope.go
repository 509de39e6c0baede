package mq

import (
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/shardq/internal/ids"
)

// State is the lifecycle position of an envelope.
type State string

const (
	StateAvailable    State = "available"
	StateLeased       State = "leased"
	StateAcked        State = "acked"
	StateDeadLettered State = "dead_lettered"
)

const envelopeType = "shardq.envelope"

// Envelope is the stored record of one message.
type Envelope struct {
	Type         string    `json:"type"`
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Shard        int       `json:"shard"`
	Priority     int       `json:"priority"`
	State        State     `json:"state"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAfter time.Time `json:"visible_after"`
	LeaseToken   string    `json:"lease_token,omitempty"`
	LeaseExpiry  time.Time `json:"lease_expiry"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	// LastFailure is set when the engine itself gave the last lease back,
	// and becomes the dead letter reason if the attempts run out.
	LastFailure string `json:"last_failure,omitempty"`
	// Revision grows on every rewrite so content-addressed etags never
	// repeat for the same key.
	Revision    int64           `json:"revision"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ContentType string          `json:"content_type,omitempty"`
	PayloadSize int64           `json:"payload_size"`
	Payload     []byte          `json:"payload,omitempty"`
	PayloadRef  string          `json:"payload_ref,omitempty"`
	DeadLetter  *DeadLetterInfo `json:"dead_letter,omitempty"`
}

// DeadLetterInfo records why and when an envelope was archived.
type DeadLetterInfo struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
	// SourceRevision is the revision of the live envelope the archive was
	// taken from; the reconciler uses it to finish interrupted moves.
	SourceRevision int64 `json:"source_revision"`
}

// Ref returns the envelope's storage reference.
func (e *Envelope) Ref() MessageRef {
	return MessageRef{Shard: e.Shard, Priority: e.Priority, ID: e.ID}
}

// Claimable reports whether a consumer may lease e at now.
func (e *Envelope) Claimable(now time.Time) bool {
	switch e.State {
	case StateAvailable:
		return !e.VisibleAfter.After(now)
	case StateLeased:
		return e.LeaseExpiry.Before(now)
	}
	return false
}

// LeaseExpired reports whether e is leased and the lease is abandoned.
func (e *Envelope) LeaseExpired(now time.Time) bool {
	return e.State == StateLeased && e.LeaseExpiry.Before(now)
}

func (e *Envelope) clearLease() {
	e.LeaseToken = ""
	e.LeaseExpiry = time.Time{}
}

func (e *Envelope) validate() error {
	if e.Type != envelopeType {
		return fmt.Errorf("unexpected record type %q", e.Type)
	}
	if err := ids.ValidateMessageID(e.ID); err != nil {
		return err
	}
	switch e.State {
	case StateAvailable, StateDeadLettered:
	case StateLeased:
		if e.LeaseToken == "" {
			return fmt.Errorf("leased envelope without token")
		}
	default:
		return fmt.Errorf("unknown state %q", e.State)
	}
	if e.Shard < 0 || e.Shard >= MaxShards {
		return fmt.Errorf("shard %d out of range", e.Shard)
	}
	if e.Priority < 0 || e.Priority > MaxPriority {
		return fmt.Errorf("priority %d out of range", e.Priority)
	}
	if e.Attempts < 0 {
		return fmt.Errorf("negative attempt count")
	}
	return nil
}

func encodeEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

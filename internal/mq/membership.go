package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"pkt.systems/shardq/internal/ids"
	"pkt.systems/shardq/internal/storage"
)

// Member is a consumer that heartbeated recently.
type Member struct {
	ID          string    `json:"id"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Heartbeat records consumerID as an active member until now+MemberTTL.
func (q *Queue) Heartbeat(ctx context.Context, consumerID string) error {
	const op = "heartbeat"
	if err := ids.ValidateMessageID(consumerID); err != nil {
		return newError(KindInvalidMessage, op, q.name, consumerID, fmt.Errorf("consumer id: %w", err))
	}
	now := q.now()
	data, err := json.Marshal(Member{ID: consumerID, HeartbeatAt: now, ExpiresAt: now.Add(q.cfg.MemberTTL)})
	if err != nil {
		return newError(KindSerialization, op, q.name, consumerID, err)
	}
	if err := q.putBlob(ctx, memberKey(q.name, consumerID), data, storage.ContentTypeJSON, storage.PutObjectOptions{}); err != nil {
		return storageError(op, q.name, consumerID, err)
	}
	return nil
}

// Leave removes consumerID from the member set.
func (q *Queue) Leave(ctx context.Context, consumerID string) error {
	const op = "leave"
	if err := ids.ValidateMessageID(consumerID); err != nil {
		return newError(KindInvalidMessage, op, q.name, consumerID, fmt.Errorf("consumer id: %w", err))
	}
	if err := q.deleteObject(ctx, memberKey(q.name, consumerID), storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return storageError(op, q.name, consumerID, err)
	}
	return nil
}

// Members lists the non-expired members ordered by id.
func (q *Queue) Members(ctx context.Context) ([]Member, error) {
	records, err := q.members(ctx, false)
	if err != nil {
		return nil, storageError("members", q.name, "", err)
	}
	out := make([]Member, len(records))
	for i, rec := range records {
		out[i] = rec.Member
	}
	return out, nil
}

func (q *Queue) memberIDs(ctx context.Context) ([]string, error) {
	records, err := q.members(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.ID
	}
	return out, nil
}

type memberRecord struct {
	Member
	key  string
	etag string
}

// members reads the member records: live ones, or only the expired and
// unreadable ones when expired is true.
func (q *Queue) members(ctx context.Context, expired bool) ([]memberRecord, error) {
	now := q.now()
	prefix := membersPrefix(q.name)
	var out []memberRecord
	err := q.walk(ctx, prefix, func(obj storage.ObjectInfo) error {
		rctx, cancel := q.requestContext(ctx)
		defer cancel()
		res, err := q.store.GetObject(rctx, q.ns, obj.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		data, err := storage.ReadAll(res)
		if err != nil {
			return err
		}
		rec := memberRecord{key: obj.Key}
		if res.Info != nil {
			rec.etag = res.Info.ETag
		}
		if err := json.Unmarshal(data, &rec.Member); err != nil || rec.ID == "" {
			q.logger.Warn("mq.members.invalid", "key", obj.Key, "error", err)
			if expired {
				rec.ID = obj.Key[len(prefix):]
				out = append(out, rec)
			}
			return nil
		}
		if rec.ExpiresAt.Before(now) == expired {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

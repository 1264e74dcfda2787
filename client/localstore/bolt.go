package localstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/dkovac/ritmo/internal/domain"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMsgByConv     = []byte("messages_by_conv")
	bucketMsgByTime     = []byte("messages_by_time")
	bucketNotifications = []byte("notifications")
	bucketPrefs         = []byte("prefs")

	keyLastSyncAt = []byte("last_sync_at")
)

// Bolt is the durable Store implementation on an embedded bbolt database.
// Time-ordered index buckets stand in for the range indexes the cache needs:
// keys sort by creation time, so retention pruning and ordered reads are
// cursor range scans.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketMsgByConv, bucketMsgByTime, bucketNotifications, bucketPrefs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Close() error { return s.db.Close() }

func (s *Bolt) PutConversation(ctx context.Context, conv domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = time.Now()
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).Put(conv.ID[:], data)
	})
}

func (s *Bolt) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(_, v []byte) error {
			var conv domain.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return err
			}
			out = append(out, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b domain.Conversation) int {
		return b.LastActivityAt.Compare(a.LastActivityAt)
	})
	return out, nil
}

func (s *Bolt) PutMessage(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)

		// Upsert: drop the old index entries first in case the timestamp
		// changed between the optimistic and confirmed versions.
		if old := msgs.Get(msg.ID[:]); old != nil {
			var prev domain.Message
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := deleteMessageIndexes(tx, prev); err != nil {
					return err
				}
			}
		}

		if err := msgs.Put(msg.ID[:], data); err != nil {
			return err
		}

		key := timeKey(msg.CreatedAt, msg.ID)
		convIdx, err := tx.Bucket(bucketMsgByConv).CreateBucketIfNotExists(msg.ConversationID[:])
		if err != nil {
			return err
		}
		if err := convIdx.Put(key, msg.ID[:]); err != nil {
			return err
		}
		// The global time index remembers the conversation so retention can
		// clean the per-conversation index without loading each record.
		return tx.Bucket(bucketMsgByTime).Put(key, append(msg.ID[:], msg.ConversationID[:]...))
	})
}

func (s *Bolt) Messages(ctx context.Context, conversationID uuid.UUID, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		convIdx := tx.Bucket(bucketMsgByConv).Bucket(conversationID[:])
		if convIdx == nil {
			return nil
		}
		msgs := tx.Bucket(bucketMessages)
		c := convIdx.Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			data := msgs.Get(id)
			if data == nil {
				continue
			}
			var msg domain.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Bolt) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		data := msgs.Get(id[:])
		if data == nil {
			return nil
		}
		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		if err := deleteMessageIndexes(tx, msg); err != nil {
			return err
		}
		return msgs.Delete(id[:])
	})
}

func (s *Bolt) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		timeIdx := tx.Bucket(bucketMsgByTime)
		msgs := tx.Bucket(bucketMessages)
		byConv := tx.Bucket(bucketMsgByConv)

		var limit [8]byte
		binary.BigEndian.PutUint64(limit[:], uint64(cutoff.UnixNano()))

		c := timeIdx.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			// Keys sort chronologically; stop at the first entry not
			// strictly older than the cutoff.
			if bytes.Compare(k[:8], limit[:]) >= 0 {
				break
			}
			msgID, convID := v[:16], v[16:32]
			if err := msgs.Delete(msgID); err != nil {
				return err
			}
			if convIdx := byConv.Bucket(convID); convIdx != nil {
				if err := convIdx.Delete(k); err != nil {
					return err
				}
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *Bolt) PutNotification(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotifications).Put([]byte(n.ID), data)
	})
}

func (s *Bolt) UnreadNotifications(ctx context.Context) ([]Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Notification
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotifications).ForEach(func(_, v []byte) error {
			var n Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if !n.Read {
				out = append(out, n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *Bolt) MarkNotificationRead(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		n.Read = true
		updated, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *Bolt) LastSyncAt(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	var at time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPrefs).Get(keyLastSyncAt)
		if raw == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return fmt.Errorf("parse last sync time: %w", err)
		}
		at = parsed
		return nil
	})
	return at, err
}

func (s *Bolt) SetLastSyncAt(ctx context.Context, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrefs).Put(keyLastSyncAt, []byte(at.Format(time.RFC3339Nano)))
	})
}

func deleteMessageIndexes(tx *bolt.Tx, msg domain.Message) error {
	key := timeKey(msg.CreatedAt, msg.ID)
	if convIdx := tx.Bucket(bucketMsgByConv).Bucket(msg.ConversationID[:]); convIdx != nil {
		if err := convIdx.Delete(key); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketMsgByTime).Delete(key)
}

// timeKey builds an index key that sorts chronologically: big-endian
// nanoseconds followed by the message id as a tiebreaker.
func timeKey(at time.Time, id uuid.UUID) []byte {
	key := make([]byte, 8+16)
	binary.BigEndian.PutUint64(key[:8], uint64(at.UnixNano()))
	copy(key[8:], id[:])
	return key
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/kbchat/kb-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements durable conversation storage on a BoltDB backend. The in-memory conversation
// store is a volatile cache over this collaborator; nothing here participates in the streaming
// lifecycle, so messages always persist in a terminal state.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a BoltDB instance backed by the given file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("conversations"))
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database handle.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

// Conversations retrieves all stored conversations in reverse chronological order.
func (b BoltDB) Conversations(context.Context) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			conversations = append(conversations, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(conversations)
	return conversations, nil
}

// AddConversation stores a new conversation record and creates its message bucket. It generates
// a unique ID by combining a sequence number with the conversation's original ID, and returns
// the new ID.
func (b BoltDB) AddConversation(_ context.Context, conv models.Conversation) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return nil
		}

		idPrefix, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", idPrefix, conv.ID)
		conv.ID = newID

		_, err = tx.CreateBucketIfNotExists(messageBucketName(conv.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bkt.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateConversation modifies an existing conversation record. If the conversation doesn't
// exist, the operation is silently ignored.
func (b BoltDB) UpdateConversation(_ context.Context, conv models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return nil
		}

		v := bkt.Get([]byte(conv.ID))
		if v == nil {
			return nil
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bkt.Put([]byte(conv.ID), v)
	})
}

// DeleteConversation removes a conversation record along with all of its messages. Deleting an
// unknown conversation is a no-op.
func (b BoltDB) DeleteConversation(_ context.Context, conversationID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return nil
		}

		if err := bkt.Delete([]byte(conversationID)); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}

		err := tx.DeleteBucket(messageBucketName(conversationID))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return nil
	})
}

// Messages retrieves all messages of the given conversation in their stored order. Statuses
// are normalized to their persisted terminal form: anything that is not an error loads as
// completed, since the streaming lifecycle never survives a restart.
func (b BoltDB) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if message.Status != models.StatusError {
				message.Status = models.StatusCompleted
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveMessages replaces the persisted message list of a conversation wholesale. Message order
// is preserved through sequence-numbered keys.
func (b BoltDB) SaveMessages(_ context.Context, conversationID string, messages []models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		name := messageBucketName(conversationID)

		err := tx.DeleteBucket(name)
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to reset message bucket: %w", err)
		}
		bkt, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		for _, message := range messages {
			seq, err := bkt.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}

			v, err := json.Marshal(message)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}

			key := fmt.Sprintf("%d-%s", seq, message.ID)
			if err := bkt.Put([]byte(key), v); err != nil {
				return err
			}
		}
		return nil
	})
}

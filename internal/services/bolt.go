package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hebchat/hebchat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by lookups for conversations or files that do not
// exist or are not owned by the requesting user.
var ErrNotFound = errors.New("not found")

// BoltDB implements the Store interface using a BoltDB backend for persistent
// storage of conversations, messages, and file metadata. Conversations live
// in a single bucket; each conversation owns one bucket for its messages and
// one for its file records, so deleting a conversation drops both wholesale.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("conversations"))
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte("messages-" + conversationID)
}

func fileBucketName(conversationID string) []byte {
	return []byte("files-" + conversationID)
}

// seqKey produces a fixed-width key so bucket iteration order matches insert
// order. Bolt iterates keys lexicographically.
func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// Conversations retrieves the conversations owned by userID, most recently
// updated first. Malformed rows are skipped rather than failing the scan.
func (b BoltDB) Conversations(_ context.Context, userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return nil
			}
			if conv.UserID == userID {
				convs = append(convs, conv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(convs, func(a, c models.Conversation) int {
		return c.UpdatedAt.Compare(a.UpdatedAt)
	})
	return convs, nil
}

// Conversation retrieves a single conversation, scoped to its owner.
func (b BoltDB) Conversation(_ context.Context, userID, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return ErrNotFound
		}
		v := bkt.Get([]byte(conversationID))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		if conv.UserID != userID {
			return ErrNotFound
		}
		return nil
	})
	return conv, err
}

// AddConversation stores a new conversation and creates its message and file
// buckets. Creation and update timestamps are set here.
func (b BoltDB) AddConversation(_ context.Context, conv models.Conversation) (models.Conversation, error) {
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return errors.New("conversations bucket missing")
		}

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(conv.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(fileBucketName(conv.ID)); err != nil {
			return fmt.Errorf("failed to create file bucket: %w", err)
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bkt.Put([]byte(conv.ID), v)
	})

	return conv, err
}

// DeleteConversation removes a conversation along with all of its messages
// and file metadata. Returns ErrNotFound when the conversation does not exist
// or belongs to another user.
func (b BoltDB) DeleteConversation(_ context.Context, userID, conversationID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("conversations"))
		if bkt == nil {
			return ErrNotFound
		}

		v := bkt.Get([]byte(conversationID))
		if v == nil {
			return ErrNotFound
		}
		var conv models.Conversation
		if err := json.Unmarshal(v, &conv); err == nil && conv.UserID != userID {
			return ErrNotFound
		}

		if err := bkt.Delete([]byte(conversationID)); err != nil {
			return err
		}
		if tx.Bucket(messageBucketName(conversationID)) != nil {
			if err := tx.DeleteBucket(messageBucketName(conversationID)); err != nil {
				return err
			}
		}
		if tx.Bucket(fileBucketName(conversationID)) != nil {
			if err := tx.DeleteBucket(fileBucketName(conversationID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Messages retrieves all messages of a conversation in creation order.
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
				return nil
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

// AddMessage appends a message to the conversation and bumps the
// conversation's UpdatedAt in the same transaction. The stored message is
// returned with its creation timestamp set.
func (b BoltDB) AddMessage(_ context.Context, conversationID string, message models.Message) (models.Message, error) {
	message.ConversationID = conversationID
	message.CreatedAt = time.Now().UTC()

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return ErrNotFound
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := bkt.Put(seqKey(seq), v); err != nil {
			return err
		}

		convs := tx.Bucket([]byte("conversations"))
		if convs == nil {
			return nil
		}
		cv := convs.Get([]byte(conversationID))
		if cv == nil {
			return nil
		}
		var conv models.Conversation
		if err := json.Unmarshal(cv, &conv); err != nil {
			return nil
		}
		conv.UpdatedAt = message.CreatedAt
		cv, err = json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return convs.Put([]byte(conversationID), cv)
	})

	return message, err
}

// Files retrieves the file records of a conversation, newest first.
func (b BoltDB) Files(_ context.Context, conversationID string) ([]models.ConversationFile, error) {
	var files []models.ConversationFile
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(fileBucketName(conversationID))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var file models.ConversationFile
			if err := json.Unmarshal(v, &file); err != nil {
				return nil
			}
			files = append(files, file)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(files)
	return files, nil
}

// File retrieves a single file record by ID.
func (b BoltDB) File(_ context.Context, conversationID, fileID string) (models.ConversationFile, error) {
	var found *models.ConversationFile
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(fileBucketName(conversationID))
		if bkt == nil {
			return ErrNotFound
		}
		return bkt.ForEach(func(_, v []byte) error {
			var file models.ConversationFile
			if err := json.Unmarshal(v, &file); err != nil {
				return nil
			}
			if file.ID == fileID {
				found = &file
			}
			return nil
		})
	})
	if err != nil {
		return models.ConversationFile{}, err
	}
	if found == nil {
		return models.ConversationFile{}, ErrNotFound
	}
	return *found, nil
}

// AddFile records file metadata under the conversation's file bucket.
func (b BoltDB) AddFile(_ context.Context, file models.ConversationFile) (models.ConversationFile, error) {
	file.CreatedAt = time.Now().UTC()

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(fileBucketName(file.ConversationID))
		if bkt == nil {
			return ErrNotFound
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(file)
		if err != nil {
			return fmt.Errorf("failed to marshal file: %w", err)
		}
		return bkt.Put(seqKey(seq), v)
	})

	return file, err
}

// DeleteFile removes a single file record. Returns ErrNotFound when no record
// with the given ID exists in the conversation.
func (b BoltDB) DeleteFile(_ context.Context, conversationID, fileID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(fileBucketName(conversationID))
		if bkt == nil {
			return ErrNotFound
		}

		var key []byte
		err := bkt.ForEach(func(k, v []byte) error {
			var file models.ConversationFile
			if err := json.Unmarshal(v, &file); err != nil {
				return nil
			}
			if file.ID == fileID {
				key = slices.Clone(k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if key == nil {
			return ErrNotFound
		}
		return bkt.Delete(key)
	})
}

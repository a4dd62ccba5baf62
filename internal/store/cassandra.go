package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"todo-realtime/internal/models"
)

// chatChannel is the single partition all messages live in; the chat has one shared room.
const chatChannel = "global"

// CassandraConfig configures the Cassandra message backend.
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
	// DisableHostLookup keeps the driver on the configured hosts instead of the addresses the
	// cluster advertises, for nodes behind NAT or port mapping.
	DisableHostLookup bool
}

// CassandraMessages stores chat messages in Cassandra, clustered by creation time.
type CassandraMessages struct {
	session *gocql.Session
}

// NewCassandraMessages opens a session against the configured cluster.
func NewCassandraMessages(cfg CassandraConfig) (*CassandraMessages, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.ConnectTimeout = cfg.Timeout
	cluster.Timeout = cfg.Timeout
	cluster.DisableInitialHostLookup = cfg.DisableHostLookup
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("create cassandra session: %w", err)
	}
	return &CassandraMessages{session: session}, nil
}

func (c *CassandraMessages) Close() {
	if c.session != nil {
		c.session.Close()
	}
}

// EnsureSchema creates the messages table when missing.
func (c *CassandraMessages) EnsureSchema(ctx context.Context) error {
	err := c.session.Query(`
		CREATE TABLE IF NOT EXISTS chat_messages (
			channel    text,
			created_at timestamp,
			message_id timeuuid,
			user_id    text,
			text       text,
			PRIMARY KEY ((channel), created_at, message_id)
		) WITH CLUSTERING ORDER BY (created_at ASC, message_id ASC)`).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("create chat_messages table: %w", err)
	}
	return nil
}

// CreateMessage persists a chat message. The time-based id keeps insertion order within a millisecond.
func (c *CassandraMessages) CreateMessage(ctx context.Context, userID, text string) (models.ChatMessage, error) {
	id := gocql.TimeUUID()
	createdAt := time.Now().UTC().Truncate(time.Millisecond)

	err := c.session.Query(`
		INSERT INTO chat_messages (channel, created_at, message_id, user_id, text)
		VALUES (?, ?, ?, ?, ?)`,
		chatChannel, createdAt, id, userID, text,
	).WithContext(ctx).Exec()
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return models.ChatMessage{
		ID:        id.String(),
		UserID:    userID,
		Text:      text,
		CreatedAt: createdAt,
	}, nil
}

// ListMessages returns messages oldest first. A positive limit keeps only the newest limit messages.
func (c *CassandraMessages) ListMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	var q *gocql.Query
	if limit > 0 {
		q = c.session.Query(`
			SELECT message_id, user_id, text, created_at FROM chat_messages
			WHERE channel = ?
			ORDER BY created_at DESC, message_id DESC
			LIMIT ?`, chatChannel, limit)
	} else {
		q = c.session.Query(`
			SELECT message_id, user_id, text, created_at FROM chat_messages
			WHERE channel = ?`, chatChannel)
	}

	iter := q.WithContext(ctx).Iter()
	var (
		out       []models.ChatMessage
		id        gocql.UUID
		userID    string
		text      string
		createdAt time.Time
	)
	for iter.Scan(&id, &userID, &text, &createdAt) {
		out = append(out, models.ChatMessage{
			ID:        id.String(),
			UserID:    userID,
			Text:      text,
			CreatedAt: createdAt.UTC(),
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	if limit > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.LocalQuorum
	}
}

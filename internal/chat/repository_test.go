package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"cipherchat/internal/db"
)

var testDB *sql.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Container start panics (not just errors) on hosts without a
	// usable Docker, so the recover is part of the skip path.
	pgContainer, err := func() (c *postgres.PostgresContainer, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("container start panicked: %v", r)
			}
		}()
		return postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("cipherchat"),
			postgres.WithUsername("cipherchat"),
			postgres.WithPassword("password"),
			postgres.BasicWaitStrategies(),
		)
	}()
	if err != nil {
		// No Docker here: run what we can, the repository tests skip.
		log.Printf("failed to start container: %s", err)
		os.Exit(m.Run())
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable", "application_name=test")
	if err != nil {
		log.Fatalf("failed to get connection string: %v", err)
	}

	database, err := db.NewDatabase(connStr)
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	testDB = database.Conn

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres container unavailable")
	}
}

func truncateAll(t *testing.T) {
	t.Helper()
	_, err := testDB.ExecContext(context.Background(),
		`TRUNCATE TABLE messages, participants, conversations, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
}

func seedUsers(t *testing.T, ids ...int) {
	t.Helper()
	for _, id := range ids {
		_, err := testDB.ExecContext(context.Background(),
			`INSERT INTO users (id, username, public_key) VALUES ($1, $2, $3)`,
			id, fmt.Sprintf("user%d", id), fmt.Sprintf(`{"kty":"EC","crv":"P-256","x":"x%d","y":"y%d"}`, id, id))
		require.NoError(t, err)
	}
}

func Test_CreateConversation(t *testing.T) {
	requireDB(t)
	t.Cleanup(func() { truncateAll(t) })
	seedUsers(t, 1, 2)
	repo := NewRepository(testDB)

	conv, err := repo.CreateConversation(t.Context(), ConversationDirect, "", []NewParticipant{
		{UserID: 1, EncryptedKey: `{"ephemPubKey":{},"content":"a","iv":"b"}`},
		{UserID: 2, EncryptedKey: `{"ephemPubKey":{},"content":"c","iv":"d"}`},
	})
	require.NoError(t, err)
	assert.NotZero(t, conv.ID)
	assert.Equal(t, ConversationDirect, conv.Type)
	assert.False(t, conv.CreatedAt.IsZero())

	participants, err := repo.ListParticipants(t.Context(), conv.ID)
	require.NoError(t, err)
	require.Len(t, participants, 2)
}

func Test_CreateConversation_UnknownParticipantRollsBack(t *testing.T) {
	requireDB(t)
	t.Cleanup(func() { truncateAll(t) })
	seedUsers(t, 1)
	repo := NewRepository(testDB)

	_, err := repo.CreateConversation(t.Context(), ConversationDirect, "", []NewParticipant{
		{UserID: 1, EncryptedKey: "k1"},
		{UserID: 99, EncryptedKey: "k99"}, // no such user
	})
	require.Error(t, err)

	var count int
	require.NoError(t, testDB.QueryRowContext(t.Context(),
		`SELECT COUNT(*) FROM conversations`).Scan(&count))
	assert.Zero(t, count, "failed create must leave nothing behind")
}

func Test_GetWrappedKey(t *testing.T) {
	requireDB(t)
	t.Cleanup(func() { truncateAll(t) })
	seedUsers(t, 1, 2, 3)
	repo := NewRepository(testDB)

	conv, err := repo.CreateConversation(t.Context(), ConversationGroup, "ops", []NewParticipant{
		{UserID: 1, EncryptedKey: "envelope-for-1"},
		{UserID: 2, EncryptedKey: "envelope-for-2"},
	})
	require.NoError(t, err)

	key, err := repo.GetWrappedKey(t.Context(), conv.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "envelope-for-2", key)

	// Each participant only ever sees their own envelope; a non-member
	// gets nothing, not an error.
	key, err = repo.GetWrappedKey(t.Context(), conv.ID, 3)
	require.NoError(t, err)
	assert.Empty(t, key)
}

func Test_IsParticipant(t *testing.T) {
	requireDB(t)
	t.Cleanup(func() { truncateAll(t) })
	seedUsers(t, 1, 2, 3)
	repo := NewRepository(testDB)

	conv, err := repo.CreateConversation(t.Context(), ConversationDirect, "", []NewParticipant{
		{UserID: 1, EncryptedKey: "k1"},
		{UserID: 2, EncryptedKey: "k2"},
	})
	require.NoError(t, err)

	ok, err := repo.IsParticipant(t.Context(), conv.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsParticipant(t.Context(), conv.ID, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_InsertMessage(t *testing.T) {
	requireDB(t)
	t.Cleanup(func() { truncateAll(t) })
	seedUsers(t, 1, 2)
	repo := NewRepository(testDB)

	conv, err := repo.CreateConversation(t.Context(), ConversationDirect, "", []NewParticipant{
		{UserID: 1, EncryptedKey: "k1"}, {UserID: 2, EncryptedKey: "k2"},
	})
	require.NoError(t, err)

	msg := &Message{
		ConversationID: conv.ID,
		SenderID:       1,
		Content:        "b2xkIGNpcGhlcnRleHQ=",
		IV:             "aXZpdml2aXZpdg==",
		ClientNonce:    "nonce-1",
	}
	inserted, err := repo.InsertMessage(t.Context(), msg)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())

	// Activity bumps the conversation for list ordering.
	var updatedAt time.Time
	require.NoError(t, testDB.QueryRowContext(t.Context(),
		`SELECT updated_at FROM conversations WHERE id = $1`, conv.ID).Scan(&updatedAt))
	assert.False(t, updatedAt.Before(conv.UpdatedAt))
}

func Test_InsertMessage_DuplicateNonce(t *testing.T) {
	requireDB(t)
	t.Cleanup(func() { truncateAll(t) })
	seedUsers(t, 1, 2)
	repo := NewRepository(testDB)

	conv, err := repo.CreateConversation(t.Context(), ConversationDirect, "", []NewParticipant{
		{UserID: 1, EncryptedKey: "k1"}, {UserID: 2, EncryptedKey: "k2"},
	})
	require.NoError(t, err)

	first := &Message{ConversationID: conv.ID, SenderID: 1, Content: "c", IV: "i", ClientNonce: "retry-me"}
	inserted, err := repo.InsertMessage(t.Context(), first)
	require.NoError(t, err)
	require.True(t, inserted)

	retry := &Message{ConversationID: conv.ID, SenderID: 1, Content: "c", IV: "i", ClientNonce: "retry-me"}
	inserted, err = repo.InsertMessage(t.Context(), retry)
	require.NoError(t, err)
	assert.False(t, inserted)

	var count int
	require.NoError(t, testDB.QueryRowContext(t.Context(),
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conv.ID).Scan(&count))
	assert.Equal(t, 1, count)

	// The same nonce in another conversation is a different message.
	other, err := repo.CreateConversation(t.Context(), ConversationDirect, "", []NewParticipant{
		{UserID: 1, EncryptedKey: "k1"}, {UserID: 2, EncryptedKey: "k2"},
	})
	require.NoError(t, err)
	inserted, err = repo.InsertMessage(t.Context(),
		&Message{ConversationID: other.ID, SenderID: 1, Content: "c", IV: "i", ClientNonce: "retry-me"})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func Test_InsertMessage_EmptyNonceNeverConflicts(t *testing.T) {
	requireDB(t)
	t.Cleanup(func() { truncateAll(t) })
	seedUsers(t, 1, 2)
	repo := NewRepository(testDB)

	conv, err := repo.CreateConversation(t.Context(), ConversationDirect, "", []NewParticipant{
		{UserID: 1, EncryptedKey: "k1"}, {UserID: 2, EncryptedKey: "k2"},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		inserted, err := repo.InsertMessage(t.Context(),
			&Message{ConversationID: conv.ID, SenderID: 1, Content: "c", IV: "i"})
		require.NoError(t, err)
		assert.True(t, inserted)
	}
}

func Test_ListMessages(t *testing.T) {
	requireDB(t)
	t.Cleanup(func() { truncateAll(t) })
	seedUsers(t, 1, 2)
	repo := NewRepository(testDB)

	conv, err := repo.CreateConversation(t.Context(), ConversationDirect, "", []NewParticipant{
		{UserID: 1, EncryptedKey: "k1"}, {UserID: 2, EncryptedKey: "k2"},
	})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := repo.InsertMessage(t.Context(), &Message{
			ConversationID: conv.ID,
			SenderID:       1 + i%2,
			Content:        fmt.Sprintf("ct-%d", i),
			IV:             "iv",
		})
		require.NoError(t, err)
	}

	messages, err := repo.ListMessages(t.Context(), conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	for i, msg := range messages {
		assert.Equal(t, fmt.Sprintf("ct-%d", i+1), msg.Content, "chronological order")
	}

	// Page backwards from the third message.
	older, err := repo.ListMessages(t.Context(), conv.ID, messages[2].ID, 10)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "ct-1", older[0].Content)
	assert.Equal(t, "ct-2", older[1].Content)

	limited, err := repo.ListMessages(t.Context(), conv.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "ct-4", limited[0].Content)
	assert.Equal(t, "ct-5", limited[1].Content)
}

func Test_SetLastRead(t *testing.T) {
	requireDB(t)
	t.Cleanup(func() { truncateAll(t) })
	seedUsers(t, 1, 2)
	repo := NewRepository(testDB)

	conv, err := repo.CreateConversation(t.Context(), ConversationDirect, "", []NewParticipant{
		{UserID: 1, EncryptedKey: "k1"}, {UserID: 2, EncryptedKey: "k2"},
	})
	require.NoError(t, err)

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.SetLastRead(t.Context(), conv.ID, 1, at))

	participants, err := repo.ListParticipants(t.Context(), conv.ID)
	require.NoError(t, err)
	for _, p := range participants {
		if p.UserID == 1 {
			require.NotNil(t, p.LastReadAt)
			assert.True(t, p.LastReadAt.Equal(at))
		} else {
			assert.Nil(t, p.LastReadAt, "only the owner's marker moves")
		}
	}
}

func Test_ListConversations(t *testing.T) {
	requireDB(t)
	t.Cleanup(func() { truncateAll(t) })
	seedUsers(t, 1, 2, 3)
	repo := NewRepository(testDB)

	first, err := repo.CreateConversation(t.Context(), ConversationDirect, "", []NewParticipant{
		{UserID: 1, EncryptedKey: "first-for-1"}, {UserID: 2, EncryptedKey: "first-for-2"},
	})
	require.NoError(t, err)
	second, err := repo.CreateConversation(t.Context(), ConversationGroup, "ops", []NewParticipant{
		{UserID: 1, EncryptedKey: "second-for-1"}, {UserID: 3, EncryptedKey: "second-for-3"},
	})
	require.NoError(t, err)

	// Two unread from the peer in the first conversation, plus one of the
	// caller's own (never counted as unread).
	for _, m := range []*Message{
		{ConversationID: first.ID, SenderID: 2, Content: "ct-a", IV: "iv"},
		{ConversationID: first.ID, SenderID: 2, Content: "ct-b", IV: "iv"},
		{ConversationID: first.ID, SenderID: 1, Content: "ct-mine", IV: "iv"},
	} {
		_, err := repo.InsertMessage(t.Context(), m)
		require.NoError(t, err)
	}

	summaries, err := repo.ListConversations(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// Most recent activity first: the message traffic puts first on top.
	assert.Equal(t, first.ID, summaries[0].ID)
	assert.Equal(t, "first-for-1", summaries[0].EncryptedKey)
	assert.Equal(t, 2, summaries[0].UnreadCount)
	require.NotNil(t, summaries[0].LastMessage)
	assert.Equal(t, "ct-mine", summaries[0].LastMessage.Content)
	assert.Len(t, summaries[0].Participants, 2)

	assert.Equal(t, second.ID, summaries[1].ID)
	assert.Equal(t, "second-for-1", summaries[1].EncryptedKey)
	assert.Equal(t, "ops", summaries[1].Name)
	assert.Zero(t, summaries[1].UnreadCount)
	assert.Nil(t, summaries[1].LastMessage)

	// Reading resets the unread count.
	require.NoError(t, repo.SetLastRead(t.Context(), first.ID, 1, time.Now().UTC()))
	summaries, err = repo.ListConversations(t.Context(), 1)
	require.NoError(t, err)
	assert.Zero(t, summaries[0].UnreadCount)

	// A non-participant sees nothing.
	summaries, err = repo.ListConversations(t.Context(), 2)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, first.ID, summaries[0].ID)
}

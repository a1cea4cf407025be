package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/groupcord/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	logger := zerolog.Nop()
	s, err := NewStore(":memory:", &logger)
	require.NoError(t, err)
	return s
}

func TestStore_AppendAndFetchMessages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.AppendMessage(ctx, &model.Message{
		RoomID:   5,
		Username: "bob",
		Body:     "hi",
		Type:     model.ChatTypeText,
		Time:     time.Now(),
	})
	require.NoError(t, err)
	assert.NotZero(t, first.ID, "append must assign an id")

	second, err := s.AppendMessage(ctx, &model.Message{
		RoomID:   5,
		Username: "alice",
		Body:     "hello",
		Type:     model.ChatTypeText,
		Time:     time.Now(),
	})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	_, err = s.AppendMessage(ctx, &model.Message{
		RoomID:   6,
		Username: "carol",
		Body:     "other room",
		Type:     model.ChatTypeText,
		Time:     time.Now(),
	})
	require.NoError(t, err)

	messages, err := s.MessagesByRoom(ctx, 5)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hi", messages[0].Body)
	assert.Equal(t, "hello", messages[1].Body)

	empty, err := s.MessagesByRoom(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_Users(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, "alice", "hash", "NORMAL"))

	err := s.CreateUser(ctx, "alice", "other-hash", "NORMAL")
	require.ErrorIs(t, err, ErrUsernameTaken)

	user, err := s.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash", user.PasswordHash)
	assert.Equal(t, "NORMAL", user.Authority)

	_, err = s.UserByUsername(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateUserPasswordAndDetails(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, "alice", "hash", "NORMAL"))

	require.NoError(t, s.UpdateUserPassword(ctx, "alice", "new-hash"))
	user, err := s.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "new-hash", user.PasswordHash)

	require.ErrorIs(t, s.UpdateUserPassword(ctx, "nobody", "x"), ErrNotFound)

	require.NoError(t, s.UpdateUserDetails(ctx, "alice", "1990-01-01", "chess,go"))
	user, err = s.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1990-01-01", user.Birthday)
	assert.Equal(t, "chess,go", user.Interests)

	require.ErrorIs(t, s.UpdateUserDetails(ctx, "nobody", "", ""), ErrNotFound)
}

func TestStore_SecurityQuestions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	q := &model.SecurityQuestion{Username: "alice", Question: "favorite color?", AnswerHash: "h1"}
	require.NoError(t, s.CreateSecurityQuestion(ctx, q))

	err := s.CreateSecurityQuestion(ctx, &model.SecurityQuestion{
		Username: "alice", Question: "other?", AnswerHash: "h2",
	})
	require.ErrorIs(t, err, ErrQuestionTaken)

	found, err := s.SecurityQuestionByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "favorite color?", found.Question)
	assert.Equal(t, "h1", found.AnswerHash)

	require.NoError(t, s.UpdateSecurityQuestion(ctx, &model.SecurityQuestion{
		Username: "alice", Question: "first pet?", AnswerHash: "h3",
	}))
	found, err = s.SecurityQuestionByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "first pet?", found.Question)
	assert.Equal(t, "h3", found.AnswerHash)

	require.ErrorIs(t, s.UpdateSecurityQuestion(ctx, &model.SecurityQuestion{
		Username: "nobody", Question: "?", AnswerHash: "h",
	}), ErrNotFound)

	_, err = s.SecurityQuestionByUsername(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RoomMembership(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddUserToRoom(ctx, 5, "alice"))
	require.NoError(t, s.AddUserToRoom(ctx, 5, "bob"))
	require.NoError(t, s.AddUserToRoom(ctx, 5, "alice"), "re-joining is a no-op")

	members, err := s.RoomMembers(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	require.NoError(t, s.RemoveUserFromRoom(ctx, 5, "alice"))
	require.NoError(t, s.RemoveUserFromRoom(ctx, 5, "alice"), "removing twice is a no-op")

	members, err = s.RoomMembers(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)
}

func TestStore_GroupMembershipAndRooms(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddUserToGroup(ctx, 1, "alice"))
	require.NoError(t, s.AddUserToGroup(ctx, 1, "alice"))

	members, err := s.GroupMembers(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)

	require.NoError(t, s.RemoveUserFromGroup(ctx, 1, "alice"))
	members, err = s.GroupMembers(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, s.db.Create(&model.Room{GroupID: 1, Name: "general"}).Error)
	require.NoError(t, s.db.Create(&model.Room{GroupID: 2, Name: "other"}).Error)

	rooms, err := s.RoomsByGroup(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "general", rooms[0].Name)
}

func TestStore_Exports(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	record := &model.ExportRecord{
		Username:  "alice",
		FileName:  "history.xlsx",
		Data:      "ZGF0YQ==",
		PublicKey: "-----BEGIN PUBLIC KEY-----",
		Signature: "c2ln",
	}
	require.NoError(t, s.SaveExport(ctx, record))

	found, err := s.ExportByUsernameAndFile(ctx, "alice", "history.xlsx")
	require.NoError(t, err)
	assert.Equal(t, record.Data, found.Data)

	_, err = s.ExportByUsernameAndFile(ctx, "alice", "missing.xlsx")
	require.ErrorIs(t, err, ErrNotFound)

	records, err := s.ExportsByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStore_ResignedExportReplacesRecord(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveExport(ctx, &model.ExportRecord{
		Username:  "alice",
		FileName:  "history.xlsx",
		Data:      "b2xk",
		PublicKey: "pk1",
		Signature: "czE=",
	}))
	require.NoError(t, s.SaveExport(ctx, &model.ExportRecord{
		Username:  "alice",
		FileName:  "history.xlsx",
		Data:      "bmV3",
		PublicKey: "pk2",
		Signature: "czI=",
	}))

	records, err := s.ExportsByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 1, "re-signing must not accumulate rows")

	found, err := s.ExportByUsernameAndFile(ctx, "alice", "history.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "bmV3", found.Data)
	assert.Equal(t, "pk2", found.PublicKey)
	assert.Equal(t, "czI=", found.Signature)
}

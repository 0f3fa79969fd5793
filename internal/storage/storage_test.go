package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/chat"
)

func sampleSnapshot() chat.Snapshot {
	avatar := "data:image/png;base64,AAAA"
	dur := 7
	created := time.UnixMilli(1_700_000_000_000)
	return chat.Snapshot{
		Users: []chat.User{
			{ID: "u1", Username: "alice", DisplayName: "Alice", Avatar: &avatar, Status: "online", CreatedAt: created, PasswordHash: "h1"},
			{ID: "u2", Username: "bob", DisplayName: "Bob", Status: "invisible", CreatedAt: created, PasswordHash: "h2"},
		},
		Chats: []chat.Chat{
			{ID: "alice_bob", Participants: []string{"alice", "bob"}, CreatedAt: created},
			{ID: "g1", Participants: []string{"alice", "bob"}, IsGroup: true, Name: "team", CreatedAt: created},
		},
		Messages: []chat.Message{
			{ID: "m1", ChatID: "alice_bob", SenderUsername: "alice", SenderName: "Alice", SenderAvatar: &avatar,
				Content: "hi", Type: chat.MessageTypeText, Timestamp: created,
				ReadBy: []string{"bob"}, ListenedBy: []string{}},
			{ID: "m2", ChatID: "alice_bob", SenderUsername: "bob", SenderName: "Bob",
				Content: "data:audio/webm;base64,BBBB", Type: chat.MessageTypeVoice, Duration: &dur,
				Timestamp: created.Add(time.Second), ReadBy: []string{}, ListenedBy: []string{"alice"},
				DeletedFor: []string{"bob"}},
			{ID: "m3", ChatID: "g1", SenderUsername: "bob", SenderName: "Bob", Content: "",
				Type: chat.MessageTypeText, Timestamp: created, ReadBy: []string{}, ListenedBy: []string{}, Deleted: true},
		},
	}
}

func TestDBSaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "parley.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	empty, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.Users)

	want := sampleSnapshot()
	require.NoError(t, db.Save(ctx, want))

	got, err := db.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Users, 2)
	assert.Equal(t, "alice", got.Users[0].Username)
	require.NotNil(t, got.Users[0].Avatar)
	assert.Equal(t, *want.Users[0].Avatar, *got.Users[0].Avatar)
	assert.Nil(t, got.Users[1].Avatar)
	assert.Equal(t, "h2", got.Users[1].PasswordHash)
	assert.True(t, want.Users[0].CreatedAt.Equal(got.Users[0].CreatedAt))

	require.Len(t, got.Chats, 2)
	assert.Equal(t, []string{"alice", "bob"}, got.Chats[0].Participants)
	assert.True(t, got.Chats[1].IsGroup)
	assert.Equal(t, "team", got.Chats[1].Name)

	require.Len(t, got.Messages, 3)
	byID := map[string]chat.Message{}
	for _, m := range got.Messages {
		byID[m.ID] = m
	}
	assert.Equal(t, []string{"bob"}, byID["m1"].ReadBy)
	require.NotNil(t, byID["m2"].Duration)
	assert.Equal(t, 7, *byID["m2"].Duration)
	assert.Equal(t, chat.MessageTypeVoice, byID["m2"].Type)
	assert.Equal(t, []string{"bob"}, byID["m2"].DeletedFor)
	assert.True(t, byID["m3"].Deleted)
	assert.Nil(t, byID["m1"].Duration)

	// Save replaces, it does not merge.
	smaller := sampleSnapshot()
	smaller.Users = smaller.Users[:1]
	smaller.Messages = smaller.Messages[:1]
	require.NoError(t, db.Save(ctx, smaller))
	got, err = db.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Users, 1)
	assert.Len(t, got.Messages, 1)
}

func TestDBSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "parley.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Save(ctx, sampleSnapshot()))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "parley.json")
	fs := NewFileStore(path)

	got, err := fs.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Users)

	require.NoError(t, fs.Save(ctx, sampleSnapshot()))
	got, err = fs.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Users, 2)
	assert.Len(t, got.Chats, 2)
	assert.Len(t, got.Messages, 3)
	assert.Equal(t, "h1", got.Users[0].PasswordHash)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err = fs.Load(ctx)
	assert.Error(t, err)
}

func TestOpenStoreDrivers(t *testing.T) {
	dir := t.TempDir()

	p, closeFn, err := OpenStore("json", filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, p)
	assert.NoError(t, closeFn())

	p, closeFn, err = OpenStore("sqlite", filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	assert.IsType(t, &DB{}, p)
	assert.NoError(t, closeFn())

	_, _, err = OpenStore("mongo", "x")
	assert.Error(t, err)
}

func TestManagerRoundTripThroughDB(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	defer db.Close()

	m := chat.New(chat.Options{Store: db})
	_, err = m.CreateUser(chat.User{Username: "alice"})
	require.NoError(t, err)
	_, err = m.CreateUser(chat.User{Username: "bob"})
	require.NoError(t, err)
	view, _, err := m.GetOrCreateChat("alice", []string{"bob"}, false, "")
	require.NoError(t, err)
	_, err = m.AppendMessage(view.Chat.ID, "alice", chat.NewMessageInput{Content: "hello", Type: chat.MessageTypeText})
	require.NoError(t, err)
	require.NoError(t, m.Flush(ctx))

	restored := chat.New(chat.Options{Store: db})
	require.NoError(t, restored.Load(ctx))
	assert.True(t, restored.UserExists("bob"))
	v, err := restored.View(view.Chat.ID, "bob")
	require.NoError(t, err)
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "hello", v.Messages[0].Content)
}

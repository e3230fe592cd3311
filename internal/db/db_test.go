package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/gopherchat/internal/chat"
)

func TestConnect_SQLiteMigrate(t *testing.T) {
	gdb, err := Connect("sqlite", "file:db_test?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(gdb))
	for _, m := range chat.Models() {
		assert.True(t, gdb.Migrator().HasTable(m))
	}

	repo := chat.NewRepo(gdb)
	created, err := repo.CreateChatIfAbsent(context.Background(), &chat.Chat{ID: "c1", OwnerID: 1})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect("oracle", "x")
	assert.Error(t, err)
}

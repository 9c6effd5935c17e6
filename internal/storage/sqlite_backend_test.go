package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSQLiteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	b, err := NewSQLiteBackend(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteBackendContract(t *testing.T) {
	exerciseBackend(t, newSQLiteBackend(t))
}

func TestSQLiteMissingRowsAreNotFound(t *testing.T) {
	b := newSQLiteBackend(t)
	ctx := context.Background()

	_, err := b.SharedPoolConfig(ctx)
	require.True(t, IsNotFound(err))
	_, err = b.SharedBackend(ctx)
	require.True(t, IsNotFound(err))
	_, err = b.SelfManagedSetting(ctx, "c1")
	require.True(t, IsNotFound(err))
	_, err = b.SettingGrant(ctx, "s", "c")
	require.True(t, IsNotFound(err))

	list, err := b.EnabledSettings(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, list)
}

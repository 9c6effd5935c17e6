package migrations

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLatestVersionMatchesEmbeddedFiles(t *testing.T) {
	v, err := LatestVersion()
	require.NoError(t, err)

	ups, err := fs.Glob(sqlMigrations, "sql/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(sqlMigrations, "sql/*.down.sql")
	require.NoError(t, err)
	require.Len(t, downs, len(ups), "every up migration needs a down")
	require.EqualValues(t, len(ups), v)
}

func TestStatusPending(t *testing.T) {
	require.True(t, Status{Current: 1, Latest: 2}.Pending())
	require.False(t, Status{Current: 2, Latest: 2}.Pending())
	require.True(t, Status{Latest: 2}.Pending())
}

package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lendledger/events"
	"lendledger/services/auditd/archive"
)

func setupExporter(t *testing.T) (*Exporter, *archive.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "archive.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, archive.AutoMigrate(db))
	store := archive.NewStore(db)
	exporter, err := NewExporter(Config{Store: store, Directory: t.TempDir()})
	require.NoError(t, err)
	return exporter, store
}

func archiveEvents(t *testing.T, store *archive.Store, seqs ...uint64) {
	t.Helper()
	for _, seq := range seqs {
		entry := events.Entry{
			Sequence: seq,
			Payload:  &events.Payload{Type: "ledger.repaid", Attributes: map[string]string{"amount": "42"}},
		}
		_, err := store.SaveEntry(entry, time.Now())
		require.NoError(t, err)
	}
}

func TestRunExportsNewEventsOnly(t *testing.T) {
	exporter, store := setupExporter(t)
	ctx := context.Background()
	archiveEvents(t, store, 1, 2, 3)

	export, err := exporter.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, export)
	require.Equal(t, uint64(0), export.StartSequence)
	require.Equal(t, uint64(3), export.EndSequence)
	require.Equal(t, int64(3), export.Rows)

	info, err := os.Stat(export.Path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))

	ok, err := Verify(export.Path, export.Digest)
	require.NoError(t, err)
	require.True(t, ok)

	// Nothing new, so the next run is a no-op.
	again, err := exporter.Run(ctx)
	require.NoError(t, err)
	require.Nil(t, again)

	archiveEvents(t, store, 4, 5)
	next, err := exporter.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, uint64(3), next.StartSequence)
	require.Equal(t, uint64(5), next.EndSequence)
	require.Equal(t, int64(2), next.Rows)
}

func TestVerifyDetectsTampering(t *testing.T) {
	exporter, store := setupExporter(t)
	archiveEvents(t, store, 1)

	export, err := exporter.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, export)

	file, err := os.OpenFile(export.Path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = file.WriteString("tampered")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	ok, err := Verify(export.Path, export.Digest)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunEmptyArchiveIsNoop(t *testing.T) {
	exporter, _ := setupExporter(t)
	export, err := exporter.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, export)
}

package mdsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/mdsync/internal/convert"
	"github.com/alexjbarnes/mdsync/internal/remote"
	"github.com/alexjbarnes/mdsync/internal/state"
)

// engineNow is deliberately far in the future so records stamped by the
// engine clock always postdate real file mtimes written during the test.
var engineNow = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

// copyConverter stands in for pandoc: the "conversion" copies bytes
// verbatim, which lets tests assert content round-trips end to end.
type copyConverter struct{}

func (copyConverter) Convert(_ context.Context, inputPath, outputPath string, _ convert.Direction) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}

	return os.WriteFile(outputPath, data, 0o600)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConfig(ws *Workspace) *state.SyncConfig {
	return &state.SyncConfig{
		LocalPath: ws.Dir(),
		Backend:   "fs",
		Files:     map[string]state.SyncRecord{},
	}
}

func newTestEngine(ws *Workspace, store remote.Store, conv convert.Converter, cfg *state.SyncConfig) *Engine {
	return NewEngine(Options{
		Workspace: ws,
		Store:     store,
		Converter: conv,
		Config:    cfg,
		Logger:    quietLogger(),
		Now:       func() time.Time { return engineNow },
	})
}

func TestRunPushesNewLocalDocuments(t *testing.T) {
	ws := testWorkspace(t)
	remoteDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir(), "a.md"), []byte("# a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir(), "b.md"), []byte("# b"), 0o644))

	store, err := remote.NewFSStore(remoteDir)
	require.NoError(t, err)

	cfg := newTestConfig(ws)
	eng := newTestEngine(ws, store, copyConverter{}, cfg)

	outcomes, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	for _, o := range outcomes {
		assert.Equal(t, ActionPush, o.Action)
		assert.NoError(t, o.Err)
	}

	for _, doc := range []string{"a", "b"} {
		content, err := os.ReadFile(filepath.Join(remoteDir, doc+".docx"))
		require.NoError(t, err)
		assert.Equal(t, "# "+doc, string(content))

		rec := cfg.Record(doc)
		require.NotNil(t, rec)
		assert.Equal(t, filepath.Join(remoteDir, doc+".docx"), rec.RemoteID)
		assert.True(t, rec.LastUpload.Equal(engineNow))
	}

	assert.True(t, cfg.LastSync.Equal(engineNow))

	// A second run over unchanged state performs no actions.
	outcomes, err = newTestEngine(ws, store, copyConverter{}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestRunPullsNewRemoteDocuments(t *testing.T) {
	ws := testWorkspace(t)
	remoteDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(remoteDir, "c.docx"), []byte("# c"), 0o644))

	store, err := remote.NewFSStore(remoteDir)
	require.NoError(t, err)

	cfg := newTestConfig(ws)

	outcomes, err := newTestEngine(ws, store, copyConverter{}, cfg).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "c", outcomes[0].Doc)
	assert.Equal(t, ActionPull, outcomes[0].Action)
	assert.NoError(t, outcomes[0].Err)

	content, err := os.ReadFile(filepath.Join(ws.Dir(), "c.md"))
	require.NoError(t, err)
	assert.Equal(t, "# c", string(content))

	rec := cfg.Record("c")
	require.NotNil(t, rec)
	assert.Equal(t, filepath.Join(remoteDir, "c.docx"), rec.RemoteID)
	assert.True(t, rec.LastUpload.Equal(engineNow))

	// The pulled document is now the baseline; nothing to do next run.
	outcomes, err = newTestEngine(ws, store, copyConverter{}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestRunPushesNFDNamedDocument(t *testing.T) {
	ws := testWorkspace(t)
	remoteDir := t.TempDir()

	// The file name as macOS writes it (NFD); the record key and the
	// uploaded name must come out NFC while the local open uses the
	// on-disk bytes.
	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir(), "re\u0301sume\u0301.md"), []byte("# r"), 0o644))

	store, err := remote.NewFSStore(remoteDir)
	require.NoError(t, err)

	cfg := newTestConfig(ws)

	outcomes, err := newTestEngine(ws, store, copyConverter{}, cfg).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ActionPush, outcomes[0].Action)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, "r\u00e9sum\u00e9", outcomes[0].Doc)

	content, err := os.ReadFile(filepath.Join(remoteDir, "r\u00e9sum\u00e9.docx"))
	require.NoError(t, err)
	assert.Equal(t, "# r", string(content))

	require.NotNil(t, cfg.Record("r\u00e9sum\u00e9"))

	// Second run: the NFD local name still maps to the same record.
	outcomes, err = newTestEngine(ws, store, copyConverter{}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestRunSkipsRemoteOlderThanRecord(t *testing.T) {
	ws := testWorkspace(t)
	remoteDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(remoteDir, "c.docx"), []byte("stale"), 0o644))

	store, err := remote.NewFSStore(remoteDir)
	require.NoError(t, err)

	cfg := newTestConfig(ws)
	cfg.SetRecord("c", state.SyncRecord{
		RemoteID:   filepath.Join(remoteDir, "c.docx"),
		LastUpload: engineNow, // postdates the real file mtime
	})

	outcomes, err := newTestEngine(ws, store, copyConverter{}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)

	_, statErr := os.Stat(filepath.Join(ws.Dir(), "c.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunIsolatesDocumentFailures(t *testing.T) {
	ws := testWorkspace(t)
	remoteDir := t.TempDir()

	for _, doc := range []string{"a", "b", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(ws.Dir(), doc+".md"), []byte("# "+doc), 0o644))
	}

	store, err := remote.NewFSStore(remoteDir)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	conv := NewMockConverter(ctrl)
	conv.EXPECT().
		Convert(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, inputPath, outputPath string, d convert.Direction) error {
			if filepath.Base(inputPath) == "b.md" {
				return errors.New("conversion exploded")
			}

			return copyConverter{}.Convert(ctx, inputPath, outputPath, d)
		}).
		AnyTimes()

	cfg := newTestConfig(ws)

	outcomes, err := newTestEngine(ws, store, conv, cfg).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	var failed int

	for _, o := range outcomes {
		if o.Err != nil {
			failed++

			assert.Equal(t, "b", o.Doc)
		}
	}

	assert.Equal(t, 1, failed)

	// Succeeded documents are recorded; the failed one stays untracked so
	// the next run retries it.
	assert.NotNil(t, cfg.Record("a"))
	assert.NotNil(t, cfg.Record("c"))
	assert.Nil(t, cfg.Record("b"))
}

func TestRunFatalWhenRemoteListFails(t *testing.T) {
	ws := testWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir(), "a.md"), []byte("# a"), 0o644))

	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	store.EXPECT().List(gomock.Any()).Return(nil, errors.New("remote unreachable"))

	cfg := newTestConfig(ws)

	outcomes, err := newTestEngine(ws, store, copyConverter{}, cfg).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, outcomes)

	// Listing failed before any mutation, so no records were written.
	assert.Empty(t, cfg.Files)
}

func TestRunRejectsTraversalInRemoteNames(t *testing.T) {
	ws := testWorkspace(t)

	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	store.EXPECT().List(gomock.Any()).Return([]remote.File{
		{Name: "../evil.docx", ID: "f1", ModTime: engineNow},
	}, nil)
	// Fetch must never be called for a rejected name.

	cfg := newTestConfig(ws)

	outcomes, err := newTestEngine(ws, store, copyConverter{}, cfg).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ActionPull, outcomes[0].Action)
	assert.Error(t, outcomes[0].Err)
}

func TestPassesFailWhenScratchUnwritable(t *testing.T) {
	ws := testWorkspace(t)
	remoteDir := t.TempDir()

	store, err := remote.NewFSStore(remoteDir)
	require.NoError(t, err)

	eng := newTestEngine(ws, store, copyConverter{}, newTestConfig(ws))

	// Files squatting on the sub-pass scratch paths make Mkdir fail; the
	// pass must surface that as a run error, not skip silently.
	scratch := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "push"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "pull"), []byte("x"), 0o644))

	assert.Error(t, eng.pushPass(context.Background(), scratch, nil))
	assert.Error(t, eng.pullPass(context.Background(), scratch, nil))
}

func TestRunKeepsLockFileBetweenRuns(t *testing.T) {
	ws := testWorkspace(t)
	remoteDir := t.TempDir()

	store, err := remote.NewFSStore(remoteDir)
	require.NoError(t, err)

	cfg := newTestConfig(ws)

	_, err = newTestEngine(ws, store, copyConverter{}, cfg).Run(context.Background())
	require.NoError(t, err)

	// The unlocked lock file stays behind so later runs contend on a
	// single inode, and a leftover file never blocks the next run.
	_, err = os.Stat(state.LockPath(ws.Dir()))
	require.NoError(t, err)

	_, err = newTestEngine(ws, store, copyConverter{}, cfg).Run(context.Background())
	require.NoError(t, err)
}

func TestRunFailsWhenLockHeld(t *testing.T) {
	ws := testWorkspace(t)

	lock := flock.New(state.LockPath(ws.Dir()))
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	t.Cleanup(func() { _ = lock.Unlock() })

	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)

	cfg := newTestConfig(ws)

	_, err = newTestEngine(ws, store, copyConverter{}, cfg).Run(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

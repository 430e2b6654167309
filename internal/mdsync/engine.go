package mdsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/mdsync/internal/convert"
	"github.com/alexjbarnes/mdsync/internal/remote"
	"github.com/alexjbarnes/mdsync/internal/state"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

// ErrSyncInProgress is returned when another run already holds the
// advisory lock for the tracked directory.
var ErrSyncInProgress = errors.New("sync already in progress for this directory")

const (
	// defaultDocumentTimeout bounds one document's conversion and transfer
	// when the caller does not supply a limit.
	defaultDocumentTimeout = 2 * time.Minute

	// defaultParallelism is the per-pass concurrency cap when the caller
	// does not supply one.
	defaultParallelism = 4
)

// Outcome reports one completed or failed action for a logical document.
// Documents that needed no work do not produce outcomes.
type Outcome struct {
	Doc    string
	Action Action
	Err    error
}

// Options configures an Engine. Workspace, Store, Converter, Config, and
// Logger are required.
type Options struct {
	Workspace *Workspace
	Store     remote.Store
	Converter convert.Converter
	Config    *state.SyncConfig
	Logger    *slog.Logger

	// DocumentTimeout bounds each document's conversion and transfer.
	DocumentTimeout time.Duration

	// Parallelism caps concurrent documents within one sub-pass.
	Parallelism int

	// Now overrides the engine clock, for tests.
	Now func() time.Time
}

// Engine reconciles a local directory against a remote collection using
// last-write-wins comparison of modification timestamps against the
// persisted sync records. It is the only writer of the in-memory
// SyncConfig for the duration of one run.
type Engine struct {
	ws      *Workspace
	store   remote.Store
	conv    convert.Converter
	cfg     *state.SyncConfig
	logger  *slog.Logger
	timeout time.Duration
	limit   int
	now     func() time.Time

	// mu guards cfg.Files and outcomes during parallel sub-passes.
	mu       sync.Mutex
	outcomes []Outcome
}

// NewEngine creates an engine for one run.
func NewEngine(opts Options) *Engine {
	if opts.DocumentTimeout <= 0 {
		opts.DocumentTimeout = defaultDocumentTimeout
	}

	if opts.Parallelism < 1 {
		opts.Parallelism = defaultParallelism
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		ws:      opts.Workspace,
		store:   opts.Store,
		conv:    opts.Converter,
		cfg:     opts.Config,
		logger:  opts.Logger,
		timeout: opts.DocumentTimeout,
		limit:   opts.Parallelism,
		now:     opts.Now,
	}
}

// Run executes one reconciliation: push sub-pass, then pull sub-pass.
// The push pass always completes before the pull pass begins so a document
// written by a pull is never immediately re-detected as needing a push in
// the same run.
//
// A non-nil error is fatal (lock held elsewhere, remote unreachable,
// workspace unreadable) and means no sync work was done beyond what the
// outcomes report. Per-document failures are not fatal: they appear as
// outcomes with a non-nil Err, their records stay untouched, and the next
// run retries them.
func (e *Engine) Run(ctx context.Context) ([]Outcome, error) {
	lock := flock.New(state.LockPath(e.ws.Dir()))

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}

	if !locked {
		return nil, ErrSyncInProgress
	}

	// The lock file itself stays behind after unlock: removing it would
	// let two late-arriving runs lock different inodes of the same path.
	// A leftover file carries no lock, so the next run proceeds normally.
	defer func() {
		if err := lock.Unlock(); err != nil {
			e.logger.Warn("releasing run lock", slog.String("error", err.Error()))
		}
	}()

	// List the remote collection before mutating anything, so an
	// unreachable or unauthenticated store aborts the run with no partial
	// state. The listing predates our own pushes, which keeps the pull
	// pass from seeing files this run uploaded.
	remoteFiles, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing remote collection: %w", err)
	}

	locals, err := e.ws.ListMarkdown()
	if err != nil {
		return nil, fmt.Errorf("scanning local directory: %w", err)
	}

	scratch, err := os.MkdirTemp("", "mdsync-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	e.logger.Info("reconciliation starting",
		slog.Int("local_documents", len(locals)),
		slog.Int("remote_documents", len(remoteFiles)),
		slog.Int("tracked_records", len(e.cfg.Files)),
	)

	if err := e.pushPass(ctx, scratch, locals); err != nil {
		return e.outcomes, err
	}

	if err := e.pullPass(ctx, scratch, remoteFiles); err != nil {
		return e.outcomes, err
	}

	e.cfg.LastSync = e.now().UTC()

	e.logger.Info("reconciliation complete", slog.Int("actions", len(e.outcomes)))

	return e.outcomes, nil
}

// pushPass converts and uploads every stale local document. Documents are
// independent, so they are processed with bounded parallelism; record
// updates are aggregated under the engine mutex.
func (e *Engine) pushPass(ctx context.Context, scratch string, locals []LocalFile) error {
	dir := filepath.Join(scratch, "push")
	if err := os.Mkdir(dir, 0o700); err != nil {
		return fmt.Errorf("creating push scratch dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)

	for _, lf := range locals {
		g.Go(func() error {
			e.pushOne(gctx, dir, lf)
			// Per-document failures are recorded as outcomes, never
			// propagated: one bad document must not stop the pass.
			return nil
		})
	}

	_ = g.Wait()

	return nil
}

func (e *Engine) pushOne(ctx context.Context, scratch string, lf LocalFile) {
	// Record keys are NFC so an NFD file name (macOS) and its NFC remote
	// counterpart map to one document. I/O keeps using lf.Name as stored.
	doc := DocName(normalizeName(lf.Name))

	rec := e.record(doc)
	if !NeedsPush(lf.ModTime, rec) {
		e.logger.Debug("push: up to date", slog.String("doc", doc))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	srcPath, err := e.ws.Path(lf.Name)
	if err != nil {
		e.fail(doc, ActionPush, err)
		return
	}

	outPath := filepath.Join(scratch, BinaryName(doc))
	if err := e.conv.Convert(ctx, srcPath, outPath, convert.ToBinary); err != nil {
		e.fail(doc, ActionPush, err)
		return
	}

	content, err := os.ReadFile(outPath)
	if err != nil {
		e.fail(doc, ActionPush, fmt.Errorf("reading converted document: %w", err))
		return
	}

	id, err := e.store.Store(ctx, BinaryName(doc), content)
	if err != nil {
		e.fail(doc, ActionPush, err)
		return
	}

	e.setRecord(doc, state.SyncRecord{
		RemoteID:     id,
		LastUpload:   e.now().UTC(),
		LocalModTime: lf.ModTime,
	})
	e.done(doc, ActionPush)

	e.logger.Info("pushed",
		slog.String("doc", doc),
		slog.String("remote_id", id),
		slog.Int("bytes", len(content)),
	)
}

// pullPass downloads and converts every remote document that is newer than
// its last recorded sync point.
func (e *Engine) pullPass(ctx context.Context, scratch string, remoteFiles []remote.File) error {
	dir := filepath.Join(scratch, "pull")
	if err := os.Mkdir(dir, 0o700); err != nil {
		return fmt.Errorf("creating pull scratch dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)

	for _, rf := range remoteFiles {
		if !strings.HasSuffix(rf.Name, binaryExt) {
			e.logger.Debug("pull: ignoring non-document remote file", slog.String("name", rf.Name))
			continue
		}

		g.Go(func() error {
			e.pullOne(gctx, dir, rf)
			return nil
		})
	}

	_ = g.Wait()

	return nil
}

func (e *Engine) pullOne(ctx context.Context, scratch string, rf remote.File) {
	doc := DocName(normalizeName(rf.Name))
	mdName := MarkdownName(doc)

	// Remote names are untrusted; reject traversal attempts before any
	// fetch work happens.
	if err := validateName(mdName); err != nil {
		e.fail(doc, ActionPull, err)
		return
	}

	rec := e.record(doc)
	if !NeedsPull(rf.ModTime, rec) {
		e.logger.Debug("pull: up to date", slog.String("doc", doc))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	content, err := e.store.Fetch(ctx, rf.ID)
	if err != nil {
		e.fail(doc, ActionPull, err)
		return
	}

	binPath := filepath.Join(scratch, BinaryName(doc))
	if err := os.WriteFile(binPath, content, 0o600); err != nil {
		e.fail(doc, ActionPull, fmt.Errorf("writing fetched document to scratch: %w", err))
		return
	}

	mdPath := filepath.Join(scratch, mdName)
	if err := e.conv.Convert(ctx, binPath, mdPath, convert.ToMarkdown); err != nil {
		e.fail(doc, ActionPull, err)
		return
	}

	if err := e.ws.Place(mdPath, mdName); err != nil {
		e.fail(doc, ActionPull, err)
		return
	}

	// The record's LastUpload is the engine's own clock, not the remote
	// mtime: the completed pull establishes a fresh baseline in the local
	// clock domain.
	localMod := e.now().UTC()
	if info, err := e.ws.Stat(mdName); err == nil {
		localMod = info.ModTime().UTC()
	}

	e.setRecord(doc, state.SyncRecord{
		RemoteID:     rf.ID,
		LastUpload:   e.now().UTC(),
		LocalModTime: localMod,
	})
	e.done(doc, ActionPull)

	e.logger.Info("pulled",
		slog.String("doc", doc),
		slog.String("remote_id", rf.ID),
		slog.Int("bytes", len(content)),
	)
}

func (e *Engine) record(doc string) *state.SyncRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cfg.Record(doc)
}

func (e *Engine) setRecord(doc string, rec state.SyncRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cfg.SetRecord(doc, rec)
}

func (e *Engine) done(doc string, action Action) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.outcomes = append(e.outcomes, Outcome{Doc: doc, Action: action})
}

// fail records a per-document failure. The document's sync record is left
// untouched so the next run retries it.
func (e *Engine) fail(doc string, action Action, err error) {
	e.logger.Warn("document failed",
		slog.String("doc", doc),
		slog.String("action", action.String()),
		slog.String("error", err.Error()),
	)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.outcomes = append(e.outcomes, Outcome{Doc: doc, Action: action, Err: err})
}

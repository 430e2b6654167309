package mdsync

import (
	"strings"
	"time"

	"github.com/alexjbarnes/mdsync/internal/state"
)

const (
	// markdownExt is the local text encoding extension.
	markdownExt = ".md"

	// binaryExt is the remote binary encoding extension.
	binaryExt = ".docx"
)

// Action is what the engine decided to do for one logical document.
type Action int

const (
	// ActionNone means the document is up to date on both sides.
	ActionNone Action = iota

	// ActionPush means the local document is converted and uploaded.
	ActionPush

	// ActionPull means the remote document is downloaded and converted.
	ActionPull
)

func (a Action) String() string {
	switch a {
	case ActionPush:
		return "push"
	case ActionPull:
		return "pull"
	default:
		return "none"
	}
}

// NeedsPush reports whether a local document must be pushed: it has never
// been synced, or its modification time is strictly newer than the last
// recorded sync point. Equal timestamps never trigger redundant work.
//
// This is a pure decision function with no I/O; the engine performs the
// conversion and upload based on it.
func NeedsPush(mtimeLocal time.Time, rec *state.SyncRecord) bool {
	if rec == nil || !rec.Synced() {
		return true
	}

	return mtimeLocal.After(rec.LastUpload)
}

// NeedsPull reports whether a remote document must be pulled: no sync
// record exists for the derived local name, or the remote modification
// time is strictly newer than the last recorded sync point.
//
// Both timestamps are instants (remote adapters return UTC), so the
// comparison is clock-domain safe regardless of the zone either side was
// originally expressed in.
func NeedsPull(mtimeRemote time.Time, rec *state.SyncRecord) bool {
	if rec == nil || !rec.Synced() {
		return true
	}

	return mtimeRemote.After(rec.LastUpload)
}

// DocName returns the logical document name for a local or remote file
// name: the stem shared by both encoded forms ("report" for "report.md"
// and "report.docx").
func DocName(fileName string) string {
	if strings.HasSuffix(fileName, markdownExt) {
		return strings.TrimSuffix(fileName, markdownExt)
	}

	return strings.TrimSuffix(fileName, binaryExt)
}

// MarkdownName returns the local file name for a logical document.
func MarkdownName(doc string) string {
	return doc + markdownExt
}

// BinaryName returns the remote file name for a logical document.
func BinaryName(doc string) string {
	return doc + binaryExt
}

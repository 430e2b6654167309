package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Direction selects which way a document is converted.
type Direction int

const (
	// ToBinary converts the local text encoding to the remote binary
	// encoding (markdown -> docx).
	ToBinary Direction = iota

	// ToMarkdown converts the remote binary encoding to the local text
	// encoding (docx -> markdown).
	ToMarkdown
)

func (d Direction) String() string {
	if d == ToBinary {
		return "md->docx"
	}

	return "docx->md"
}

// Converter transforms a document between the local and remote encodings.
// Implementations must not leave partial output at outputPath on failure.
//
//go:generate mockgen -destination=../mdsync/mock_convert_test.go -package=mdsync github.com/alexjbarnes/mdsync/internal/convert Converter
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string, direction Direction) error
}

// stderrLimit caps how much of the converter's stderr is included in
// error messages.
const stderrLimit = 512

// Pandoc shells out to the pandoc binary for conversion.
type Pandoc struct {
	// Path is the pandoc binary name or full path.
	Path string
}

// NewPandoc creates a pandoc-backed converter. An empty path defaults to
// "pandoc" resolved via PATH.
func NewPandoc(path string) *Pandoc {
	if path == "" {
		path = "pandoc"
	}

	return &Pandoc{Path: path}
}

// Convert runs pandoc to transform inputPath into outputPath. The output
// is written to a temp path in the destination directory first and renamed
// into place only on success, so a failed or interrupted conversion never
// leaves a partial file visible at outputPath. The context bounds the
// external process; on cancellation or timeout the process is killed.
func (p *Pandoc) Convert(ctx context.Context, inputPath, outputPath string, direction Direction) error {
	tmpPath := tempOutputPath(outputPath)
	defer os.Remove(tmpPath)

	// Pandoc infers formats from extensions, so the temp file keeps the
	// final extension and gets a prefix instead of a suffix.
	cmd := exec.CommandContext(ctx, p.Path, inputPath, "-o", tmpPath)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("converting %s (%s): %w", filepath.Base(inputPath), direction, ctx.Err())
		}

		return fmt.Errorf("converting %s (%s): %w: %s",
			filepath.Base(inputPath), direction, err, trimStderr(stderr.String()))
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("moving converted output into place: %w", err)
	}

	return nil
}

// tempOutputPath returns a sibling path for the in-progress conversion
// output, keeping the extension so pandoc can infer the target format.
func tempOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)

	return filepath.Join(dir, ".mdsync-tmp-"+base)
}

// trimStderr collapses pandoc's stderr into a single bounded line.
func trimStderr(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\n", " ")

	if len(s) > stderrLimit {
		s = s[:stderrLimit] + "..."
	}

	if s == "" {
		return "(no stderr output)"
	}

	return s
}

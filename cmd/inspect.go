package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/airframesio/channel-archiver/cmd/formatters"
)

var inspectRows int

// Static errors for artifact inspection
var (
	ErrInspectUnknownType   = errors.New("cannot infer record type: filename must contain _posts or _replies")
	ErrInspectUnknownFormat = errors.New("cannot infer output format from file extension")
)

// artifactKind derives the record type, format, and compression of an output
// file from its name alone, so inspect works on consolidated files and
// chunks alike.
type artifactKind struct {
	contentType string
	format      string
	compression string
}

func classifyArtifact(path string) (artifactKind, error) {
	name := strings.ToLower(strings.TrimSuffix(path, "/"))

	var kind artifactKind
	switch {
	case strings.Contains(name, "_"+ContentPosts):
		kind.contentType = ContentPosts
	case strings.Contains(name, "_"+ContentReplies):
		kind.contentType = ContentReplies
	default:
		return kind, fmt.Errorf("%w: %s", ErrInspectUnknownType, path)
	}

	switch {
	case strings.Contains(name, ".parquet"):
		kind.format = formatters.FormatParquet
	case strings.Contains(name, ".jsonl"):
		kind.format = formatters.FormatJSONL
	case strings.Contains(name, ".csv"):
		kind.format = formatters.FormatCSV
	default:
		return kind, fmt.Errorf("%w: %s", ErrInspectUnknownFormat, path)
	}

	switch {
	case kind.format == formatters.FormatParquet:
		// parquet compression is internal and self-describing
		kind.compression = "none"
	case strings.HasSuffix(name, ".zst"):
		kind.compression = "zstd"
	case strings.HasSuffix(name, ".gz"):
		kind.compression = "gzip"
	case strings.HasSuffix(name, ".lz4"):
		kind.compression = "lz4"
	default:
		kind.compression = "none"
	}

	return kind, nil
}

func runInspect(path string) {
	initLogger(debug, logFormat)

	if err := inspectArtifact(path, inspectRows, os.Stdout); err != nil {
		logger.Error(fmt.Sprintf("❌ Inspect failed: %s", err.Error()))
		os.Exit(1)
	}
}

// inspectArtifact prints the row count and the first limit rows of an output
// file as JSON lines.
func inspectArtifact(path string, limit int, out *os.File) error {
	kind, err := classifyArtifact(path)
	if err != nil {
		return err
	}

	switch kind.contentType {
	case ContentPosts:
		return printRows(path, kind, limit, out, &primaryCSVBinding)
	case ContentReplies:
		return printRows(path, kind, limit, out, &secondaryCSVBinding)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownContentType, kind.contentType)
	}
}

func printRows[T any](path string, kind artifactKind, limit int, out *os.File, bind *formatters.CSVBinding[T]) error {
	codec, err := formatters.NewCodec[T](kind.format, kind.compression, codecLevelFor(kind.compression), bind)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	rows, err := codec.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	fmt.Fprintf(out, "%d rows\n", len(rows))
	if limit > len(rows) {
		limit = len(rows)
	}
	encoder := json.NewEncoder(out)
	for _, row := range rows[:limit] {
		if err := encoder.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// codecLevelFor returns a valid compression level for a read-only codec; the
// level only matters when writing.
func codecLevelFor(compression string) int {
	switch compression {
	case "zstd":
		return 3
	case "gzip", "lz4":
		return 6
	default:
		return 0
	}
}

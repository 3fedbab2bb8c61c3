package formatters

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Format type constants
const (
	FormatParquet = "parquet"
	FormatJSONL   = "jsonl"
	FormatCSV     = "csv"
)

// Static errors
var (
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrCSVBindingNil     = errors.New("csv format requires a column binding")
)

// RowWriter streams typed rows into one output file. Close must be called to
// flush format footers (parquet) and compression trailers.
type RowWriter[T any] interface {
	Write(rows []T) error
	Close() error
}

// RowReader streams typed rows out of one data file in bounded batches, so
// callers never have to hold a whole file's rows in memory.
type RowReader[T any] interface {
	// ReadBatch returns up to max rows. io.EOF marks the end of the file
	// and may arrive together with the final rows.
	ReadBatch(max int) ([]T, error)
	Close() error
}

// Codec encodes and decodes one record type for one output format. Chunk
// flushes, merges, the stale-refresh probe, and inspection all speak through
// this interface, so every artifact a run produces is readable by the same
// code that wrote it.
type Codec[T any] interface {
	// NewWriter starts a new output file on w
	NewWriter(w io.Writer) (RowWriter[T], error)

	// ReadAll decodes every row of one file
	ReadAll(r io.Reader) ([]T, error)

	// OpenRows starts a batched read over one data file. Parquet needs
	// the random-access handle; jsonl and csv read it sequentially. The
	// caller closes f after closing the reader.
	OpenRows(f *os.File) (RowReader[T], error)

	// Extension returns the full data file extension, including the
	// compression suffix for externally compressed formats
	// (e.g. ".parquet", ".jsonl.zst", ".csv.gz")
	Extension() string
}

// CSVBinding maps a record type onto a fixed CSV column set. Formats with a
// self-describing schema (parquet, jsonl) ignore it.
type CSVBinding[T any] struct {
	Header []string
	Encode func(T) []string
	Decode func([]string) (T, error)
}

// NewCodec returns the codec for the given format and compression settings.
// Parquet maps the compression name onto its internal codec; jsonl and csv
// wrap their output in the named external compressor.
func NewCodec[T any](format, compression string, level int, bind *CSVBinding[T]) (Codec[T], error) {
	switch format {
	case FormatParquet:
		return NewParquetCodec[T](compression), nil
	case FormatJSONL:
		return NewJSONLCodec[T](compression, level)
	case FormatCSV:
		if bind == nil {
			return nil, ErrCSVBindingNil
		}
		return NewCSVCodec[T](compression, level, *bind)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// WriteAll encodes rows into w in one shot.
func WriteAll[T any](codec Codec[T], w io.Writer, rows []T) error {
	rw, err := codec.NewWriter(w)
	if err != nil {
		return err
	}
	if err := rw.Write(rows); err != nil {
		return err
	}
	return rw.Close()
}

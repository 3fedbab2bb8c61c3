package formatters

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/airframesio/channel-archiver/cmd/compressors"
)

// ErrCSVHeaderMismatch is returned when a file's header does not match the binding
var ErrCSVHeaderMismatch = errors.New("csv header does not match expected columns")

// CSVCodec encodes rows as CSV with a fixed, binding-defined column set,
// wrapped in an external compressor.
type CSVCodec[T any] struct {
	comp  compressors.Compressor
	level int
	bind  CSVBinding[T]
}

// NewCSVCodec creates a CSV codec using the named compressor and binding
func NewCSVCodec[T any](compression string, level int, bind CSVBinding[T]) (*CSVCodec[T], error) {
	comp, err := compressors.GetCompressor(compression)
	if err != nil {
		return nil, err
	}
	return &CSVCodec[T]{comp: comp, level: level, bind: bind}, nil
}

// NewWriter starts a new CSV stream on w; the header row is written first
func (c *CSVCodec[T]) NewWriter(w io.Writer) (RowWriter[T], error) {
	cw, err := c.comp.NewWriter(w, c.level)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(cw)
	if err := writer.Write(c.bind.Header); err != nil {
		cw.Close()
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}

	return &csvRowWriter[T]{compressed: cw, writer: writer, encode: c.bind.Encode}, nil
}

type csvRowWriter[T any] struct {
	compressed io.WriteCloser
	writer     *csv.Writer
	encode     func(T) []string
}

func (w *csvRowWriter[T]) Write(rows []T) error {
	for _, row := range rows {
		if err := w.writer.Write(w.encode(row)); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	return nil
}

func (w *csvRowWriter[T]) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.compressed.Close()
		return fmt.Errorf("failed to flush csv writer: %w", err)
	}
	return w.compressed.Close()
}

// ReadAll decodes every row of one CSV stream
func (c *CSVCodec[T]) ReadAll(r io.Reader) ([]T, error) {
	cr, err := c.comp.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	reader := csv.NewReader(cr)
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil // empty file, zero rows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	if len(header) != len(c.bind.Header) {
		return nil, fmt.Errorf("%w: got %d columns, want %d", ErrCSVHeaderMismatch, len(header), len(c.bind.Header))
	}

	var rows []T
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row: %w", err)
		}

		row, err := c.bind.Decode(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to decode csv row: %w", err)
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// OpenRows starts a batched read over one CSV file; the header is verified
// against the binding before any rows are returned.
func (c *CSVCodec[T]) OpenRows(f *os.File) (RowReader[T], error) {
	cr, err := c.comp.NewReader(f)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(cr)
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &csvRowReader[T]{compressed: cr, done: true}, nil
	}
	if err != nil {
		cr.Close()
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	if len(header) != len(c.bind.Header) {
		cr.Close()
		return nil, fmt.Errorf("%w: got %d columns, want %d", ErrCSVHeaderMismatch, len(header), len(c.bind.Header))
	}

	return &csvRowReader[T]{compressed: cr, reader: reader, decode: c.bind.Decode}, nil
}

type csvRowReader[T any] struct {
	compressed io.ReadCloser
	reader     *csv.Reader
	decode     func([]string) (T, error)
	done       bool
}

func (r *csvRowReader[T]) ReadBatch(max int) ([]T, error) {
	if r.done {
		return nil, io.EOF
	}

	var rows []T
	for len(rows) < max {
		fields, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			r.done = true
			return rows, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row: %w", err)
		}

		row, err := r.decode(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to decode csv row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (r *csvRowReader[T]) Close() error {
	return r.compressed.Close()
}

// Extension returns the file extension including the compression suffix
func (c *CSVCodec[T]) Extension() string {
	return ".csv" + c.comp.Extension()
}

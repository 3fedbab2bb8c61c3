package formatters

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// ParquetCodec encodes rows as Parquet with internal compression. The schema
// is derived from the record struct's parquet tags, so every file carries a
// fixed, self-describing column set.
type ParquetCodec[T any] struct {
	compression string
}

// NewParquetCodec creates a Parquet codec with the given internal compression
func NewParquetCodec[T any](compression string) *ParquetCodec[T] {
	return &ParquetCodec[T]{compression: compression}
}

// parquetCompression maps a compression name onto the parquet codec option
func parquetCompression(compression string) parquet.WriterOption {
	switch compression {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "snappy":
		return parquet.Compression(&parquet.Snappy)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		// Default to Snappy (standard for Parquet)
		return parquet.Compression(&parquet.Snappy)
	}
}

// NewWriter starts a new Parquet file on w
func (c *ParquetCodec[T]) NewWriter(w io.Writer) (RowWriter[T], error) {
	return &parquetRowWriter[T]{
		writer: parquet.NewGenericWriter[T](w, parquetCompression(c.compression)),
	}, nil
}

type parquetRowWriter[T any] struct {
	writer *parquet.GenericWriter[T]
}

func (w *parquetRowWriter[T]) Write(rows []T) error {
	for len(rows) > 0 {
		n, err := w.writer.Write(rows)
		if err != nil {
			return fmt.Errorf("failed to write parquet rows: %w", err)
		}
		rows = rows[n:]
	}
	return nil
}

func (w *parquetRowWriter[T]) Close() error {
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// ReadAll decodes every row of one Parquet file.
// Note: Parquet requires io.ReaderAt, so the file is read into memory first.
func (c *ParquetCodec[T]) ReadAll(r io.Reader) ([]T, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet data: %w", err)
	}

	rows, err := parquet.Read[T](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet rows: %w", err)
	}
	return rows, nil
}

// OpenRows walks the file's row groups in order, decoding one bounded batch
// at a time instead of materializing the row set.
func (c *ParquetCodec[T]) OpenRows(f *os.File) (RowReader[T], error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat parquet file: %w", err)
	}
	file, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	return &parquetRowReader[T]{groups: file.RowGroups()}, nil
}

type parquetRowReader[T any] struct {
	groups  []parquet.RowGroup
	current *parquet.GenericReader[T]
	index   int
}

func (r *parquetRowReader[T]) ReadBatch(max int) ([]T, error) {
	buf := make([]T, max)
	for {
		if r.current == nil {
			if r.index >= len(r.groups) {
				return nil, io.EOF
			}
			r.current = parquet.NewGenericRowGroupReader[T](r.groups[r.index])
			r.index++
		}

		n, err := r.current.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
		if errors.Is(err, io.EOF) {
			closeErr := r.current.Close()
			r.current = nil
			if closeErr != nil {
				return nil, fmt.Errorf("failed to close parquet row group: %w", closeErr)
			}
			if n > 0 {
				return buf[:n], nil
			}
			continue
		}
		if n > 0 {
			return buf[:n], nil
		}
	}
}

func (r *parquetRowReader[T]) Close() error {
	if r.current == nil {
		return nil
	}
	reader := r.current
	r.current = nil
	return reader.Close()
}

// Extension returns the file extension for Parquet files
func (c *ParquetCodec[T]) Extension() string {
	return ".parquet"
}

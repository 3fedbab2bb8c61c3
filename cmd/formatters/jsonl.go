package formatters

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/airframesio/channel-archiver/cmd/compressors"
)

// JSONLCodec encodes rows as JSON Lines wrapped in an external compressor.
type JSONLCodec[T any] struct {
	comp  compressors.Compressor
	level int
}

// NewJSONLCodec creates a JSONL codec using the named compressor
func NewJSONLCodec[T any](compression string, level int) (*JSONLCodec[T], error) {
	comp, err := compressors.GetCompressor(compression)
	if err != nil {
		return nil, err
	}
	return &JSONLCodec[T]{comp: comp, level: level}, nil
}

// NewWriter starts a new JSONL stream on w
func (c *JSONLCodec[T]) NewWriter(w io.Writer) (RowWriter[T], error) {
	cw, err := c.comp.NewWriter(w, c.level)
	if err != nil {
		return nil, err
	}
	return &jsonlRowWriter[T]{compressed: cw, encoder: json.NewEncoder(cw)}, nil
}

type jsonlRowWriter[T any] struct {
	compressed io.WriteCloser
	encoder    *json.Encoder
}

func (w *jsonlRowWriter[T]) Write(rows []T) error {
	for _, row := range rows {
		// Encoder appends the newline that terminates each JSON line
		if err := w.encoder.Encode(row); err != nil {
			return fmt.Errorf("failed to encode jsonl row: %w", err)
		}
	}
	return nil
}

func (w *jsonlRowWriter[T]) Close() error {
	return w.compressed.Close()
}

// ReadAll decodes every row of one JSONL stream
func (c *JSONLCodec[T]) ReadAll(r io.Reader) ([]T, error) {
	cr, err := c.comp.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	var rows []T
	scanner := bufio.NewScanner(cr)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue // Skip empty lines
		}

		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to parse JSON line: %w", err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}

	return rows, nil
}

// OpenRows starts a batched scan over one JSONL file
func (c *JSONLCodec[T]) OpenRows(f *os.File) (RowReader[T], error) {
	cr, err := c.comp.NewReader(f)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(cr)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &jsonlRowReader[T]{compressed: cr, scanner: scanner}, nil
}

type jsonlRowReader[T any] struct {
	compressed io.ReadCloser
	scanner    *bufio.Scanner
}

func (r *jsonlRowReader[T]) ReadBatch(max int) ([]T, error) {
	var rows []T
	for len(rows) < max && r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue // Skip empty lines
		}

		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to parse JSON line: %w", err)
		}
		rows = append(rows, row)
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	if len(rows) < max {
		return rows, io.EOF
	}
	return rows, nil
}

func (r *jsonlRowReader[T]) Close() error {
	return r.compressed.Close()
}

// Extension returns the file extension including the compression suffix
func (c *JSONLCodec[T]) Extension() string {
	return ".jsonl" + c.comp.Extension()
}

package compressors

import "io"

// NoneCompressor is a no-op compressor that passes data through unchanged
type NoneCompressor struct{}

// NewNoneCompressor creates a new no-op compressor
func NewNoneCompressor() *NoneCompressor {
	return &NoneCompressor{}
}

// NewWriter creates a no-op writer (passes through without compression)
func (c *NoneCompressor) NewWriter(w io.Writer, _ int) (io.WriteCloser, error) {
	return &nopWriteCloser{w}, nil
}

// NewReader creates a no-op reader (passes through without decompression)
func (c *NoneCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

// Extension returns an empty string (no compression extension)
func (c *NoneCompressor) Extension() string {
	return ""
}

// DefaultLevel returns 0 (no compression level needed)
func (c *NoneCompressor) DefaultLevel() int {
	return 0
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// Per-chunk compression.
//
// Each chunk of a document's serialized form is compressed independently, so
// a chunk can be read without touching its siblings. The format is standard
// gzip: chunks written by this package can be inspected with any gzip tool,
// and the on-disk extension (.gz) reflects the wire format.
//
// BestSpeed is deliberate: compression runs on every insert and update (hot
// path) while decompression runs on cache-miss reads only. Chunk payloads
// are JSON text, which compresses well even at the fastest level.
package docudb

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// compress gzips a byte buffer.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompress, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("%w: %w", ErrCompress, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompress, err)
	}
	return buf.Bytes(), nil
}

// decompress reverses compress.
func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
	}
	return out, nil
}

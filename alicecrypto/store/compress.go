package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/TheusHen/alicecrypto/alicecrypto/protocol"
)

var (
	ErrCompressionFailed   = errors.New("store: compression failed")
	ErrDecompressionFailed = errors.New("store: decompression failed")
)

var (
	writers = sync.Pool{New: func() any { return lz4.NewWriter(nil) }}
	readers = sync.Pool{New: func() any { return lz4.NewReader(nil) }}
)

// compress packs one encoded record as a self-contained LZ4 frame.
func compress(record []byte) ([]byte, error) {
	w := writers.Get().(*lz4.Writer)
	defer writers.Put(w)

	var out bytes.Buffer
	w.Reset(&out)
	if err := w.Apply(lz4.CompressionLevelOption(lz4.Fast), lz4.ChecksumOption(true)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompressionFailed, err)
	}
	if _, err := w.Write(record); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompressionFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompressionFailed, err)
	}
	return out.Bytes(), nil
}

// decompress inflates one frame. Output larger than a protocol frame is
// treated as corruption.
func decompress(frame []byte) ([]byte, error) {
	r := readers.Get().(*lz4.Reader)
	defer readers.Put(r)
	r.Reset(bytes.NewReader(frame))

	var out bytes.Buffer
	n, err := io.Copy(&out, io.LimitReader(r, protocol.MaxFramePayload+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompressionFailed, err)
	}
	if n > protocol.MaxFramePayload {
		return nil, fmt.Errorf("%w: record too large", ErrDecompressionFailed)
	}
	return out.Bytes(), nil
}

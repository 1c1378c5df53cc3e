// Package compressor implements the vault's stateless streaming compression
// codec: compress-and-hash on the way into the vault, decompress-and-verify
// on the way out during a restore.
package compressor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Codec names a compression algorithm. Stored alongside each vault record
// so the vault may evolve codecs without invalidating existing blobs.
type Codec string

// CodecZstd is the only codec currently implemented.
const CodecZstd Codec = "zstd"

// Result is returned by Compress: the compressed byte count and the
// SHA-256 hash of the pre-compression bytes.
type Result struct {
	StoredSize  int64
	ContentHash string
}

// Compress streams src through the codec into dst, returning the stored
// (compressed) size and the SHA-256 hash of the original bytes. The hash
// is computed over the pre-compression stream via a TeeReader so no second
// pass over the data is needed.
func Compress(dst io.Writer, src io.Reader, codec Codec) (Result, error) {
	if codec != CodecZstd {
		return Result{}, fmt.Errorf("compressor: unsupported codec %q", codec)
	}

	hasher := sha256.New()
	tee := io.TeeReader(src, hasher)

	counter := &countingWriter{w: dst}
	enc, err := zstd.NewWriter(counter)
	if err != nil {
		return Result{}, fmt.Errorf("compressor: new zstd writer: %w", err)
	}

	if _, err := io.Copy(enc, tee); err != nil {
		enc.Close()
		return Result{}, fmt.Errorf("compressor: compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Result{}, fmt.Errorf("compressor: close zstd writer: %w", err)
	}

	return Result{
		StoredSize:  counter.n,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Decompress streams src through the inverse codec into dst, returning the
// SHA-256 hash of the decompressed bytes so the caller can verify it
// against the content_hash recorded on the vault record.
func Decompress(dst io.Writer, src io.Reader, codec Codec) (string, error) {
	if codec != CodecZstd {
		return "", fmt.Errorf("compressor: unsupported codec %q", codec)
	}

	dec, err := zstd.NewReader(src)
	if err != nil {
		return "", fmt.Errorf("compressor: new zstd reader: %w", err)
	}
	defer dec.Close()

	hasher := sha256.New()
	multi := io.MultiWriter(dst, hasher)
	if _, err := io.Copy(multi, dec); err != nil {
		return "", fmt.Errorf("compressor: decompress: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Package codec implements the value codec (spec §4.A): a transparent
// compress/decompress pair for record values, framed with a one-byte
// tag so decode never depends on the encoder's current configuration.
package codec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"

	"github.com/concorddb/concord/internal/errs"
)

// Algorithm selects the compressor used above the threshold.
type Algorithm string

const (
	AlgorithmZlib Algorithm = "zlib"
	AlgorithmGzip Algorithm = "gzip"
)

// tag byte layout: low 4 bits encode the algorithm, high 4 bits the level.
const (
	tagRaw  uint8 = 0x00
	tagZlib uint8 = 0x01
	tagGzip uint8 = 0x02
)

// Config controls when and how values are compressed. It never affects
// decoding: Decode accepts any legal tag regardless of the current Config.
type Config struct {
	Enabled        bool
	Algorithm      Algorithm
	ThresholdBytes uint32
	Level          int // 0..9, compress/flate convention
}

// DefaultConfig matches the suggested defaults in spec §6.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Algorithm:      AlgorithmZlib,
		ThresholdBytes: 256,
		Level:          flate.DefaultCompression,
	}
}

// Encode compresses value per cfg, or stores it verbatim with a raw tag
// if disabled or below threshold. The returned bytes always begin with
// the one-byte tag.
func Encode(value []byte, cfg Config) ([]byte, error) {
	if !cfg.Enabled || uint32(len(value)) < cfg.ThresholdBytes {
		out := make([]byte, 1+len(value))
		out[0] = tagRaw
		copy(out[1:], value)
		return out, nil
	}

	var buf bytes.Buffer
	level := clampLevel(cfg.Level)

	switch cfg.Algorithm {
	case AlgorithmGzip:
		buf.WriteByte(tagGzip | levelTag(level))
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(value); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgorithmZlib:
		fallthrough
	default:
		buf.WriteByte(tagZlib | levelTag(level))
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(value); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. Any legal tag is accepted regardless of the
// caller's current Config — decode must never depend on encode-time
// settings. An unrecognized tag or a corrupt stream is a fatal
// MalformedEncoding error: it indicates on-disk or wire corruption.
func Decode(encoded []byte) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, errs.ErrMalformedEncoding
	}
	tag := encoded[0]
	body := encoded[1:]

	switch tag & 0x0F {
	case tagRaw:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case tagZlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errs.ErrMalformedEncoding
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errs.ErrMalformedEncoding
		}
		return out, nil
	case tagGzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errs.ErrMalformedEncoding
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errs.ErrMalformedEncoding
		}
		return out, nil
	default:
		return nil, errs.ErrMalformedEncoding
	}
}

func clampLevel(level int) int {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		return flate.DefaultCompression
	}
	return level
}

// levelTag folds a compression level into the unused high nibble of the
// tag byte, purely for diagnostics — decode never reads it back out to
// choose a level, since flate's reader self-describes.
func levelTag(level int) uint8 {
	if level < 0 {
		return 0xF0
	}
	return uint8(level&0x0F) << 4
}

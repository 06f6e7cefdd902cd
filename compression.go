package taskmesh

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// CompressionThreshold is the payload size in bytes below which wire
// compression is skipped. Small payloads rarely shrink enough to cover
// the framing overhead.
const CompressionThreshold = 1024

// CompressedPayload is the wire framing for optionally compressed
// payloads. When Compressed is true, Data holds the base64 encoding of
// the deflate stream; otherwise Data is the original payload text.
type CompressedPayload struct {
	Compressed     bool   `json:"compressed"`
	Data           string `json:"data"`
	OriginalSize   int    `json:"originalSize"`
	CompressedSize int    `json:"compressedSize"`
}

// CompressPayload wraps data in the compression framing, deflating it
// when it is large enough and the result is actually smaller. The
// fallback keeps incompressible payloads at their original size instead
// of growing them.
func CompressPayload(data []byte) (*CompressedPayload, error) {
	p := &CompressedPayload{
		Data:           string(data),
		OriginalSize:   len(data),
		CompressedSize: len(data),
	}
	if len(data) < CompressionThreshold {
		return p, nil
	}
	deflated, err := deflate(data)
	if err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if len(deflated) >= len(data) {
		return p, nil
	}
	p.Compressed = true
	p.Data = base64.StdEncoding.EncodeToString(deflated)
	p.CompressedSize = len(deflated)
	return p, nil
}

// DecompressPayload recovers the original payload bytes.
func DecompressPayload(p *CompressedPayload) ([]byte, error) {
	if !p.Compressed {
		return []byte(p.Data), nil
	}
	deflated, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	data, err := inflate(deflated)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return data, nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

// ArchiveCodec selects the compression applied to snapshot archives.
type ArchiveCodec int

const (
	ArchiveNone ArchiveCodec = iota
	ArchiveSnappy
	ArchiveDeflate
)

func (c ArchiveCodec) String() string {
	switch c {
	case ArchiveSnappy:
		return "snappy"
	case ArchiveDeflate:
		return "deflate"
	default:
		return "none"
	}
}

// ParseArchiveCodec maps a config string to a codec. The empty string
// selects snappy.
func ParseArchiveCodec(s string) (ArchiveCodec, error) {
	switch s {
	case "", "snappy":
		return ArchiveSnappy, nil
	case "deflate":
		return ArchiveDeflate, nil
	case "none":
		return ArchiveNone, nil
	default:
		return ArchiveNone, fmt.Errorf("unknown archive codec %q", s)
	}
}

// Compress applies the codec to an archive blob.
func (c ArchiveCodec) Compress(data []byte) ([]byte, error) {
	switch c {
	case ArchiveSnappy:
		return snappy.Encode(nil, data), nil
	case ArchiveDeflate:
		return deflate(data)
	default:
		return data, nil
	}
}

// Decompress reverses Compress.
func (c ArchiveCodec) Decompress(data []byte) ([]byte, error) {
	switch c {
	case ArchiveSnappy:
		return snappy.Decode(nil, data)
	case ArchiveDeflate:
		return inflate(data)
	default:
		return data, nil
	}
}

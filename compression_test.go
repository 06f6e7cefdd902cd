package taskmesh

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestCompressPayloadSkipsSmall(t *testing.T) {
	payload := []byte(`{"id":"todo-1","title":"small"}`)

	p, err := CompressPayload(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if p.Compressed {
		t.Error("expected small payload to skip compression")
	}
	if p.Data != string(payload) {
		t.Errorf("expected data passed through, got %q", p.Data)
	}
	if p.OriginalSize != len(payload) || p.CompressedSize != len(payload) {
		t.Errorf("expected sizes %d/%d, got %d/%d",
			len(payload), len(payload), p.OriginalSize, p.CompressedSize)
	}

	out, err := DecompressPayload(p)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("expected original payload back, got %s", out)
	}
}

func TestCompressPayloadRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat(`{"title":"repetitive todo item text"}`, 100))

	p, err := CompressPayload(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !p.Compressed {
		t.Fatal("expected large repetitive payload to compress")
	}
	if p.CompressedSize >= p.OriginalSize {
		t.Errorf("expected compressed %d < original %d", p.CompressedSize, p.OriginalSize)
	}

	out, err := DecompressPayload(p)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("expected original payload back")
	}
}

func TestCompressPayloadIncompressibleFallback(t *testing.T) {
	payload := make([]byte, 4096)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}

	p, err := CompressPayload(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if p.Compressed {
		t.Error("expected random payload to stay uncompressed")
	}

	out, err := DecompressPayload(p)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("expected original payload back")
	}
}

func TestArchiveCodecRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("snapshot archive content ", 200))

	for _, codec := range []ArchiveCodec{ArchiveNone, ArchiveSnappy, ArchiveDeflate} {
		t.Run(codec.String(), func(t *testing.T) {
			packed, err := codec.Compress(payload)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			out, err := codec.Decompress(packed)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(out, payload) {
				t.Error("expected original payload back")
			}
		})
	}
}

func TestParseArchiveCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    ArchiveCodec
		wantErr bool
	}{
		{"", ArchiveSnappy, false},
		{"snappy", ArchiveSnappy, false},
		{"deflate", ArchiveDeflate, false},
		{"none", ArchiveNone, false},
		{"gzip", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseArchiveCodec(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

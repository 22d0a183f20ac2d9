package fragment

import (
	"bytes"
	"strings"
	"testing"

	"p2p-rdt/internal/chunk"
)

func fullChunk(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, chunk.Size)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := NewStore()
	h1 := chunk.Of(fullChunk(0x01))
	h2 := chunk.Of(fullChunk(0x02))
	s.Put(h1, fullChunk(0x01))
	s.Put(h2, fullChunk(0x02))

	var buf bytes.Buffer
	if err := EncodeFragments(&buf, s); err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeFragments(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("len = %d, want 2", got.Len())
	}
	data, ok := got.Get(h1)
	if !ok || !bytes.Equal(data, fullChunk(0x01)) {
		t.Fatal("chunk 1 did not round trip")
	}
}

func TestDecodeRejectsWrongSizedChunk(t *testing.T) {
	var buf bytes.Buffer
	s := NewStore()
	s.chunks[chunk.Hash{1}] = []byte("too short")
	if err := EncodeFragments(&buf, s); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeFragments(&buf); err == nil {
		t.Fatal("expected error for undersized chunk")
	}
}

func TestParseChunkhashesSkipsCommentsAndBlank(t *testing.T) {
	h := chunk.Of(fullChunk(0x03))
	input := "# header\n\n0 " + h.String() + "\n"
	hashes, err := ParseChunkhashes(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(hashes) != 1 || hashes[0] != h {
		t.Fatalf("hashes = %v, want [%v]", hashes, h)
	}
}

func TestParseChunkhashesRejectsMalformedLine(t *testing.T) {
	_, err := ParseChunkhashes(strings.NewReader("0\n"))
	if err == nil {
		t.Fatal("expected error for line missing hash field")
	}
}

func TestMissingFiltersHeldHashes(t *testing.T) {
	s := NewStore()
	h1 := chunk.Of(fullChunk(0x04))
	h2 := chunk.Of(fullChunk(0x05))
	s.Put(h1, fullChunk(0x04))

	missing := s.Missing([]chunk.Hash{h1, h2})
	if len(missing) != 1 || missing[0] != h2 {
		t.Fatalf("missing = %v, want [%v]", missing, h2)
	}
}

package crypto

import (
	"encoding/hex"
	"testing"
)

func hexToDigest(t *testing.T, s string) Digest {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	var d Digest
	copy(d[:], b)
	return d
}

func TestHash(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{
			name:  "empty input",
			input: []byte{},
			want:  "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		},
		{
			name:  "hello",
			input: []byte("hello"),
			want:  "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Hash(tt.input)
			want := hexToDigest(t, tt.want)
			if got != want {
				t.Errorf("Hash(%q) = %x, want %x", tt.input, got, want)
			}
		})
	}
}

func TestDigest_String(t *testing.T) {
	d := Hash([]byte("hello"))
	if d.String() != "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f" {
		t.Errorf("String() = %s", d.String())
	}
}

func TestHashConcat_OrderMatters(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))
	if HashConcat(a, b) == HashConcat(b, a) {
		t.Error("HashConcat should depend on argument order")
	}
}

func TestFingerprint_LengthPrefixed(t *testing.T) {
	f1 := Fingerprint("test", []byte("ab"), []byte("c"))
	f2 := Fingerprint("test", []byte("a"), []byte("bc"))
	if f1 == f2 {
		t.Error("part boundaries must change the fingerprint")
	}
}

func TestFingerprint_ContextSeparation(t *testing.T) {
	f1 := Fingerprint("ctx one", []byte("data"))
	f2 := Fingerprint("ctx two", []byte("data"))
	if f1 == f2 {
		t.Error("different contexts must produce different fingerprints")
	}
	if Fingerprint("ctx one", []byte("data")) != f1 {
		t.Error("Fingerprint is not deterministic")
	}
}

package digest

import (
	"encoding/hex"
	"errors"
	"testing"
)

func TestImage(t *testing.T) {
	// BLAKE3 of the empty input.
	want := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	d := Image(nil)
	if got := hex.EncodeToString(d[:]); got != want {
		t.Errorf("Image(nil) = %s, want %s", got, want)
	}
}

func TestPayload(t *testing.T) {
	// SHA3-256 of the empty input.
	want := "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a"
	d := Payload(nil)
	if got := hex.EncodeToString(d[:]); got != want {
		t.Errorf("Payload(nil) = %s, want %s", got, want)
	}
	if Payload([]byte{1}) == Image([]byte{1}) {
		t.Error("payload and image digests should differ")
	}
}

func TestParseRoundTrip(t *testing.T) {
	d := Image([]byte("cavepack"))

	got, err := Parse(d.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != d {
		t.Errorf("Parse(String()) = %v, want %v", got, d)
	}
	if len(d.Short()) != 8 {
		t.Errorf("Short() = %q", d.Short())
	}
	if d.IsZero() || !(Digest{}).IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []string{
		"",
		"0OIl",           // not in the base58 alphabet
		"3mJr7AoUXx2Wqd", // too short
	}

	for _, s := range tests {
		if _, err := Parse(s); !errors.Is(err, ErrInvalidDigest) {
			t.Errorf("Parse(%q) = %v, want %v", s, err, ErrInvalidDigest)
		}
	}
}

package chatdb

import (
	"bytes"
	"math/rand"
	"testing"

	"howett.net/plist"
)

func streamtypedBlob(marker string, text string) []byte {
	var b bytes.Buffer
	b.WriteString("streamtyped")
	b.WriteString(marker)
	b.Write([]byte{0x01, 0x94, 0x84, 0x01, '+', byte(len(text))})
	b.WriteString(text)
	b.Write([]byte{0x86, 0x84})
	return b.Bytes()
}

func TestDecodeBodyPlainTextWins(t *testing.T) {
	// A populated text column is returned unchanged, blob ignored.
	got := DecodeBody("hello there", []byte{0xde, 0xad, 0xbe, 0xef})
	if got != "hello there" {
		t.Fatalf("DecodeBody=%q want %q", got, "hello there")
	}
}

func TestDecodeBodyStreamtyped(t *testing.T) {
	cases := map[string]string{
		"NSString":        "Hello",
		"NSMutableString": "on my way!",
	}
	for marker, text := range cases {
		got := DecodeBody("", streamtypedBlob(marker, text))
		if got != text {
			t.Fatalf("DecodeBody(%s blob)=%q want %q", marker, got, text)
		}
	}
}

func TestDecodeBodyKeyedArchive(t *testing.T) {
	archive := map[string]any{
		"$version":  100,
		"$archiver": "NSKeyedArchiver",
		"$objects":  []any{"$null", "Hello from archive", "NSAttributedString"},
	}
	raw, err := plist.Marshal(archive, plist.BinaryFormat)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	// attributedBody does not necessarily start at the bplist header.
	blob := append([]byte{0x04, 0x0b, 'j', 'u', 'n', 'k'}, raw...)

	got := DecodeBody("", blob)
	if got != "Hello from archive" {
		t.Fatalf("DecodeBody=%q want %q", got, "Hello from archive")
	}
}

func TestDecodeBodyReadableRunFallback(t *testing.T) {
	var b bytes.Buffer
	b.Write([]byte{0x01, 0x02, 0x03})
	b.WriteString("see you at 6pm")
	b.Write([]byte{0x07, 0x08})
	b.WriteString("ok")
	b.Write([]byte{0x1f})

	got := DecodeBody("", b.Bytes())
	if got != "see you at 6pm" {
		t.Fatalf("DecodeBody=%q want longest printable run", got)
	}
}

func TestDecodeBodyNeverFabricates(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0x00},
		{0x86, 0x84, 0x00, 0x01},
		[]byte("NSString"),                // marker but no payload
		streamtypedBlob("NSString", "")[:12], // truncated
	}
	for _, blob := range cases {
		got := DecodeBody("", blob)
		if got != ContentUnavailable {
			t.Fatalf("DecodeBody(%v)=%q want sentinel", blob, got)
		}
	}
}

// Decoding is total: any byte input returns without panicking.
func TestDecodeBodyTotalOnRandomInput(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		n := rng.Intn(512)
		blob := make([]byte, n)
		rng.Read(blob)
		if got := DecodeBody("", blob); got == "" {
			t.Fatalf("DecodeBody returned empty string for %d-byte input", n)
		}
	}
}

func TestDecodeBodyTotalOnCorruptBplist(t *testing.T) {
	// Valid magic followed by garbage must fall through, not error out.
	blob := append([]byte("bplist00"), 0xff, 0xff, 0xff, 0xff)
	got := DecodeBody("", blob)
	if got == "" {
		t.Fatal("DecodeBody returned empty string")
	}
}

package chatdb

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"howett.net/plist"
)

// Sentinel returned when no parse strategy can recover message text.
const ContentUnavailable = "[message content unavailable]"

// Messages stores text in two shapes: a plain text column (older rows)
// and an attributedBody keyed-archive blob (Ventura and later). The blob
// is either an NSKeyedArchiver binary plist or the older streamtyped
// framing, and on top of that real-world rows are frequently truncated.
//
// DecodeBody tries each parser in order and commits to the first
// success. It is total: any byte input, including garbage, yields either
// recovered text or the sentinel. It never invents content.
func DecodeBody(text string, blob []byte) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	for _, parse := range blobStrategies {
		if out, ok := parse(blob); ok {
			return out
		}
	}
	return ContentUnavailable
}

// blobStrategy attempts one parse of the blob. ok is false when the
// strategy cannot commit to a result.
type blobStrategy func(blob []byte) (string, bool)

var blobStrategies = []blobStrategy{
	parseKeyedArchive,
	parseStreamtyped,
	parseReadableRuns,
}

var bplistMagic = []byte("bplist")

// parseKeyedArchive handles NSKeyedArchiver binary plists. The bplist
// header is not necessarily at offset 0 inside attributedBody.
func parseKeyedArchive(blob []byte) (text string, ok bool) {
	// The plist decoder is exercised with hostile input here; a decode
	// failure of any kind must degrade to the next strategy.
	defer func() {
		if recover() != nil {
			text, ok = "", false
		}
	}()

	start := bytes.Index(blob, bplistMagic)
	if start < 0 {
		return "", false
	}

	var root any
	if _, err := plist.Unmarshal(blob[start:], &root); err != nil {
		return "", false
	}

	dict, isDict := root.(map[string]any)
	if !isDict {
		return "", false
	}

	// NSKeyedArchiver keeps the real values in the $objects array.
	if objects, isArr := dict["$objects"].([]any); isArr {
		for _, obj := range objects {
			switch v := obj.(type) {
			case string:
				if s := strings.TrimSpace(v); s != "" && !isArchiveMetadata(s) {
					return s, true
				}
			case map[string]any:
				if s, isStr := v["NS.string"].(string); isStr && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s), true
				}
				if b, isBytes := v["NS.bytes"].([]byte); isBytes && utf8.Valid(b) {
					if s := strings.TrimSpace(string(b)); s != "" {
						return s, true
					}
				}
			}
		}
	}

	for _, v := range dict {
		if s, isStr := v.(string); isStr {
			if t := strings.TrimSpace(s); t != "" && !isArchiveMetadata(t) {
				return t, true
			}
		}
	}
	return "", false
}

func isArchiveMetadata(s string) bool {
	return strings.HasPrefix(s, "NS") || strings.HasPrefix(s, "$")
}

// parseStreamtyped handles the legacy typedstream framing: an NSString
// (or NSMutableString) class marker, control bytes, a '+' marker, one
// length byte, then the UTF-8 payload terminated by control sequences.
func parseStreamtyped(blob []byte) (string, bool) {
	for _, marker := range [][]byte{[]byte("NSString"), []byte("NSMutableString")} {
		idx := bytes.Index(blob, marker)
		if idx < 0 {
			continue
		}
		rest := blob[idx:]
		plus := bytes.IndexByte(rest, '+')
		if plus < 0 || plus >= 20 {
			continue
		}
		// Skip the '+' and the length byte.
		start := idx + plus + 2
		if start >= len(blob) {
			continue
		}
		payload := readUntilControl(blob[start:])
		if text, ok := decodeUTF8(payload); ok {
			return text, true
		}
	}
	return "", false
}

// readUntilControl slices up to the first terminator byte. 0x86 and 0x84
// are typedstream end markers; NUL never appears inside message text.
func readUntilControl(b []byte) []byte {
	for i, c := range b {
		if c == 0x86 || c == 0x84 || c == 0x00 {
			return b[:i]
		}
		// 'i' followed by 'I' or 'N' is another observed end pattern.
		if c == 'i' && i+1 < len(b) && (b[i+1] == 0x49 || b[i+1] == 0x4e) {
			return b[:i]
		}
	}
	return b
}

func decodeUTF8(b []byte) (string, bool) {
	var s string
	if utf8.Valid(b) {
		s = string(b)
	} else {
		s = strings.ToValidUTF8(string(b), "�")
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// Strings that mark archive plumbing rather than message content.
var metadataPatterns = []string{
	"NSString",
	"NSObject",
	"NSMutable",
	"NSDictionary",
	"NSAttributed",
	"NSNumber",
	"NSValue",
	"streamtyped",
	"__kIM",
}

// parseReadableRuns is the last-resort heuristic: pick the longest run
// of printable characters that does not look like archive metadata.
func parseReadableRuns(blob []byte) (string, bool) {
	text := strings.ToValidUTF8(string(blob), "\x00")

	var best string
	consider := func(run string) {
		if len(run) < 3 {
			return
		}
		for _, pat := range metadataPatterns {
			if strings.Contains(run, pat) {
				return
			}
		}
		cleaned := strings.TrimSpace(strings.Trim(run, "+"))
		if len(cleaned) >= 2 && len(cleaned) > len(best) {
			best = cleaned
		}
	}

	var run strings.Builder
	for _, r := range text {
		if (r >= 0x21 && r < 0x7f) || r == ' ' {
			run.WriteRune(r)
			continue
		}
		consider(run.String())
		run.Reset()
	}
	consider(run.String())

	return best, best != ""
}

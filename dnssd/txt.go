package dnssd

import (
	"bytes"
	"sort"
	"unicode/utf8"
)

// DNS character-strings are length-prefixed on the wire, so a single
// TXT value can never exceed 255 bytes.
const maxTXTChunk = 255

// EncodeTXT encodes service metadata as an ordered sequence of
// "key=value" chunks. Keys are emitted in sorted order so the encoding
// is deterministic. Pairs whose encoding exceeds the chunk limit are
// truncated to fit. An empty mapping encodes to a single empty chunk,
// since DNS-SD requires at least one TXT value per instance.
func EncodeTXT(txt map[string]string) [][]byte {
	if len(txt) == 0 {
		return [][]byte{{}}
	}
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	chunks := make([][]byte, 0, len(keys))
	for _, k := range keys {
		chunk := []byte(k + "=" + txt[k])
		if len(chunk) > maxTXTChunk {
			chunk = chunk[:maxTXTChunk]
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// DecodeTXT decodes TXT chunks into a key/value mapping. Metadata is
// advisory, so decoding never fails: chunks that are not "key=value"
// or bare-flag form, and chunks that are not valid UTF-8, are skipped.
// Keys are case-preserved; on duplicate keys the last value wins.
func DecodeTXT(chunks [][]byte) map[string]string {
	txt := make(map[string]string, len(chunks))
	for _, chunk := range chunks {
		if len(chunk) == 0 || !utf8.Valid(chunk) {
			continue
		}
		i := bytes.IndexByte(chunk, '=')
		switch {
		case i == 0:
			// no key
			continue
		case i < 0:
			// bare flag key
			txt[string(chunk)] = ""
		default:
			txt[string(chunk[:i])] = string(chunk[i+1:])
		}
	}
	return txt
}

// normalizeChunks drops zero-length values from a received TXT record,
// so an instance published without metadata is observed with no raw
// chunks at all.
func normalizeChunks(values []string) [][]byte {
	var chunks [][]byte
	for _, v := range values {
		if len(v) == 0 {
			continue
		}
		chunks = append(chunks, []byte(v))
	}
	return chunks
}

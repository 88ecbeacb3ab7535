package dnssd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTXTEncodeDecodeRoundTrip(t *testing.T) {
	txt := map[string]string{
		"foo":  "bar",
		"Path": "/api/v1",
		"flag": "",
	}
	chunks := EncodeTXT(txt)
	require.Equal(t, map[string]string{
		"foo":  "bar",
		"Path": "/api/v1",
		"flag": "",
	}, DecodeTXT(chunks))
}

func TestTXTEncodeDeterministicOrder(t *testing.T) {
	txt := map[string]string{"b": "2", "a": "1", "c": "3"}
	chunks := EncodeTXT(txt)
	require.Equal(t, [][]byte{
		[]byte("a=1"),
		[]byte("b=2"),
		[]byte("c=3"),
	}, chunks)
}

func TestTXTEncodeEmptyMapping(t *testing.T) {
	// DNS-SD wants at least one TXT value, possibly zero-length
	require.Equal(t, [][]byte{{}}, EncodeTXT(nil))
	require.Equal(t, [][]byte{{}}, EncodeTXT(map[string]string{}))
}

func TestTXTEncodeTruncatesOversizedChunk(t *testing.T) {
	long := strings.Repeat("x", 300)
	chunks := EncodeTXT(map[string]string{"k": long})
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0], maxTXTChunk)
	require.True(t, bytes.HasPrefix(chunks[0], []byte("k=xxx")))
}

func TestTXTDecodeSkipsMalformedChunks(t *testing.T) {
	chunks := [][]byte{
		[]byte("good=1"),
		{},                 // empty
		[]byte("=nokey"),   // no key
		{0xff, 0xfe, 0x3d}, // not UTF-8
		[]byte("flag"),     // bare flag is fine
	}
	require.Equal(t, map[string]string{
		"good": "1",
		"flag": "",
	}, DecodeTXT(chunks))
}

func TestTXTDecodeLastValueWins(t *testing.T) {
	chunks := [][]byte{
		[]byte("k=first"),
		[]byte("k=second"),
	}
	require.Equal(t, map[string]string{"k": "second"}, DecodeTXT(chunks))
}

func TestTXTDecodePreservesKeyCase(t *testing.T) {
	chunks := [][]byte{[]byte("CamelKey=v")}
	decoded := DecodeTXT(chunks)
	_, found := decoded["CamelKey"]
	require.True(t, found)
}

func TestNormalizeChunksDropsEmptyValues(t *testing.T) {
	require.Nil(t, normalizeChunks([]string{""}))
	require.Equal(t, [][]byte{[]byte("a=1")}, normalizeChunks([]string{"", "a=1"}))
}

package limits

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckRawRejectsOversized(t *testing.T) {
	g := New(Config{MaxRawBytes: 10})
	require.NoError(t, g.CheckRaw([]byte("0123456789")))
	require.Error(t, g.CheckRaw([]byte("01234567890")))
}

func TestCheckPayloadRejectsOversized(t *testing.T) {
	g := New(Config{MaxPayloadBytes: 20})
	require.NoError(t, g.CheckPayload([]byte(`{"a":1}`)))
	require.Error(t, g.CheckPayload([]byte(`{"a":"`+strings.Repeat("x", 30)+`"}`)))
}

func TestCheckPayloadRejectsExcessiveDepth(t *testing.T) {
	g := New(Config{MaxJSONDepth: 3})
	require.NoError(t, g.CheckPayload([]byte(`{"a":{"b":1}}`)))
	require.Error(t, g.CheckPayload([]byte(`{"a":{"b":{"c":{"d":1}}}}`)))
}

func TestCheckPayloadDepthIgnoresBracketsInStrings(t *testing.T) {
	g := New(Config{MaxJSONDepth: 2})
	require.NoError(t, g.CheckPayload([]byte(`{"a":"{[{[{[{["}`)))
}

func TestCheckPayloadRejectsOversizedField(t *testing.T) {
	g := New(Config{MaxFieldBytes: 5})
	require.NoError(t, g.CheckPayload([]byte(`{"a":"abcde"}`)))
	require.Error(t, g.CheckPayload([]byte(`{"a":"abcdef"}`)))
}

func TestCheckPayloadRejectsMalformedJSON(t *testing.T) {
	g := New(Config{})
	require.Error(t, g.CheckPayload([]byte(`{"a":`)))
}

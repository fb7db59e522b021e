package position

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoneOrdersFirst(t *testing.T) {
	for _, p := range []Position{
		Log{File: "bin.000001", Offset: 0},
		LSN{Value: 0},
		KeyRange{Table: "users"},
	} {
		assert.True(t, Less(None, p), "None should order before %s", p)
		assert.False(t, Less(p, None))
	}

	cmp, ok := None.Compare(None)
	require.True(t, ok)
	assert.Equal(t, 0, cmp)
}

func TestLogCompare(t *testing.T) {
	a := Log{File: "bin.000001", Offset: 100}
	b := Log{File: "bin.000001", Offset: 200}
	c := Log{File: "bin.000002", Offset: 4}

	assert.True(t, Less(a, b))
	assert.True(t, Less(b, c), "file rotation orders above any offset")
	assert.False(t, Less(c, a))

	cmp, ok := a.Compare(a)
	require.True(t, ok)
	assert.Equal(t, 0, cmp)
}

func TestLSNCompare(t *testing.T) {
	assert.True(t, Less(LSN{Value: 1}, LSN{Value: 2}))
	assert.False(t, Less(LSN{Value: 2}, LSN{Value: 2}))
	assert.False(t, Less(LSN{Value: 3}, LSN{Value: 2}))
}

func TestKeyRangeCompare(t *testing.T) {
	scan := KeyRange{Table: "users", Cursor: "100"}
	later := KeyRange{Table: "users", Cursor: "200"}
	done := KeyRange{Table: "users", Done: true}

	assert.True(t, Less(scan, later))
	assert.True(t, Less(later, done), "done orders after any cursor")
	assert.False(t, Less(done, scan))
}

func TestKeyRangeNumericCursorOrder(t *testing.T) {
	// Cursors from numeric key columns compare as numbers, so a scan
	// crossing a digit boundary never regresses.
	assert.True(t, Less(KeyRange{Table: "users", Cursor: "9"}, KeyRange{Table: "users", Cursor: "10"}))
	assert.False(t, Less(KeyRange{Table: "users", Cursor: "10"}, KeyRange{Table: "users", Cursor: "9"}))
	assert.True(t, Less(KeyRange{Table: "users", Cursor: "999"}, KeyRange{Table: "users", Cursor: "150000"}))
	assert.True(t, Less(KeyRange{Table: "users", Cursor: "-5"}, KeyRange{Table: "users", Cursor: "3"}))

	// Non-numeric cursors keep the lexicographic order the scan query
	// used.
	assert.True(t, Less(KeyRange{Table: "users", Cursor: "aaa"}, KeyRange{Table: "users", Cursor: "aab"}))
	assert.True(t, Less(KeyRange{Table: "users", Cursor: "10"}, KeyRange{Table: "users", Cursor: "9a"}))

	cmp, ok := KeyRange{Table: "users", Cursor: "12"}.Compare(KeyRange{Table: "users", Cursor: "12"})
	require.True(t, ok)
	assert.Equal(t, 0, cmp)
}

func TestCrossKindNotComparable(t *testing.T) {
	_, ok := Log{File: "f"}.Compare(LSN{Value: 1})
	assert.False(t, ok)

	// Max prefers its first argument when incomparable.
	assert.Equal(t, Position(Log{File: "f"}), Max(Log{File: "f"}, LSN{Value: 9}))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	positions := []Position{
		None,
		Log{File: "mysql-bin.000042", Offset: 123456},
		LSN{Value: 987654321},
		KeyRange{Table: "orders", Cursor: "abc|123"},
		KeyRange{Table: "orders", Cursor: "zzz", Done: true},
	}
	for _, p := range positions {
		decoded, err := Decode(p.Encode())
		require.NoError(t, err, "decode %q", p.Encode())
		cmp, ok := decoded.Compare(p)
		require.True(t, ok)
		assert.Equal(t, 0, cmp, "round trip of %q", p.Encode())
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "garbage", "log:nofile", "lsn:abc", "keyrange:short", "martian:1"} {
		_, err := Decode(s)
		assert.Error(t, err, "input %q", s)
	}
}

package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct{ id string }

func TestCursorRoundTrip(t *testing.T) {
	enc, err := EncodeCursor(Cursor{ID: "1790000000000000001"})
	require.NoError(t, err)

	dec, err := DecodeCursor(enc)
	require.NoError(t, err)
	require.Equal(t, "1790000000000000001", dec.ID)

	_, err = DecodeCursor("%%%")
	require.Error(t, err)
}

func TestTrim(t *testing.T) {
	rows := []*row{{"1"}, {"2"}, {"3"}}

	page, info := Trim(rows, 2, func(r *row) string { return r.id })
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	cur, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "2", cur.ID)

	page, info = Trim(rows, 5, func(r *row) string { return r.id })
	require.Len(t, page, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}

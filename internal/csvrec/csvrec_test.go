package csvrec

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID    string `csv:"id"`
	Name  string `csv:"name"`
	Extra string
	Count int `csv:"count"`
}

func TestReadAll(t *testing.T) {
	in := "\xef\xbb\xbfid, name,unused,count\n1,\"Flatbush Av, Av H\",x,3\n2, Kings Hwy ,y\n"

	rows, err := ReadAll[row](strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, row{ID: "1", Name: "Flatbush Av, Av H"}, rows[0])
	assert.Equal(t, row{ID: "2", Name: "Kings Hwy"}, rows[1])
}

func TestReader_Stream(t *testing.T) {
	r, err := NewReader[row](strings.NewReader("name,id\nB41,7\nB63,8\n"))
	require.NoError(t, err)
	assert.True(t, r.HasColumn("id"))
	assert.False(t, r.HasColumn("count"))

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "7", first.ID)
	assert.Equal(t, 2, r.Line())

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "B63", second.Name)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestNewReader_Empty(t *testing.T) {
	_, err := NewReader[row](strings.NewReader(""))
	assert.Error(t, err)
}

package searchindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAndSearch(t *testing.T) {
	idx, err := OpenInMemory()
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Index(1, "the quick brown fox jumps over the lazy dog", "en"))
	require.NoError(t, idx.Index(2, "a completely unrelated transcript about weather", "en"))

	ids, err := idx.Search("brown fox", 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, int64(1), ids[0])
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	idx, err := OpenInMemory()
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Index(1, "searchable transcript content", "en"))
	require.NoError(t, idx.Delete(1))

	ids, err := idx.Search("searchable", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

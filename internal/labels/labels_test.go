package labels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVocab(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeVocab(t, "a\nb\nc\n \n<blk>\n")
	v, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, v.Size())
	assert.Equal(t, 4, v.BlankID(), "named blank token should be discovered")
	assert.Equal(t, "b", v.Token(1))
}

func TestLoad_DefaultBlank(t *testing.T) {
	path := writeVocab(t, "a\nb\nc\n")
	v, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, v.BlankID(), "blank defaults to the last entry")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeVocab(t, ""))
	assert.Error(t, err, "empty vocab")

	_, err = Load(writeVocab(t, "a\na\n"))
	assert.Error(t, err, "duplicate token")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "cafe au lait", Normalize("  Café   au\tlait "))
	assert.Equal(t, "uber", Normalize("Über"))
}

func TestEncode(t *testing.T) {
	v, err := NewVocabulary([]string{"a", "b", "c", " ", "<blk>"}, 4)
	require.NoError(t, err)

	ids, err := v.Encode("abc cab")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 2, 0, 1}, ids)
}

func TestEncode_LongestMatch(t *testing.T) {
	// "ch" must win over "c" followed by failure on "h".
	v, err := NewVocabulary([]string{"a", "c", "ch", "<blk>"}, 3)
	require.NoError(t, err)

	ids, err := v.Encode("cha")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, ids)
}

func TestEncode_Unknown(t *testing.T) {
	v, err := NewVocabulary([]string{"a", "<blk>"}, 1)
	require.NoError(t, err)

	_, err = v.Encode("ax")
	assert.Error(t, err)
}

func TestEncode_DropsSpacesWithoutSpaceToken(t *testing.T) {
	v, err := NewVocabulary([]string{"a", "b", "<blk>"}, 2)
	require.NoError(t, err)

	ids, err := v.Encode("a b")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, ids)
}

func TestEncode_NormalizesBeforeLookup(t *testing.T) {
	v, err := NewVocabulary([]string{"c", "a", "f", "e", "<blk>"}, 4)
	require.NoError(t, err)

	ids, err := v.Encode("Café")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, ids)
}

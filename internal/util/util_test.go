package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, rb.Snapshot())
	assert.Equal(t, []int{4, 5}, rb.Tail(2))
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, 3, rb.Cap())
}

func TestValidateUsername(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  Alice ", "alice", false},
		{"bob.smith", "bob.smith", false},
		{"bob-smith", "bob-smith", false},
		{"bob_smith", "", true},
		{"ab", "", true},
		{"has space", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ValidateUsername(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWriteAndReadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data.json")
	in := map[string]int{"a": 1}
	require.NoError(t, WriteJSONFile(path, in))

	var out map[string]int
	require.NoError(t, ReadJSONFile(path, &out))
	assert.Equal(t, in, out)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be renamed away")
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("base", "x.db"), ResolvePath("base", "x.db"))
	abs := filepath.Join(string(filepath.Separator), "tmp", "x.db")
	assert.Equal(t, abs, ResolvePath("base", abs))
}

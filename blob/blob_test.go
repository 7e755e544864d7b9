package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalUpload(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir)
	require.NoError(t, err)

	url, err := l.Upload(context.Background(), "avatar.PNG", []byte("img-bytes"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "/files/"))
	assert.True(t, strings.HasSuffix(url, ".png"))

	name := strings.TrimPrefix(url, "/files/")
	path, err := l.Path(name)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("img-bytes"), data)
}

func TestLocalPathRejectsTraversal(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"../secret", "a/b", "..", ".", string(filepath.Separator) + "etc"} {
		_, err := l.Path(name)
		assert.Error(t, err, name)
	}

	_, err = l.Path("ok.png")
	assert.NoError(t, err)
}

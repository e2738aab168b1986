package util

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestLoadFrameSequence(t *testing.T) {
	dir := t.TempDir()
	// Out of lexical order on purpose: frame-10 sorts before frame-2
	// as a string.
	for _, name := range []string{"frame-10.png", "frame-2.png", "frame-1.png"} {
		writePNG(t, filepath.Join(dir, name))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	writePNG(t, filepath.Join(dir, "no-number.png"))

	frames, err := LoadFrameSequence(dir)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, 1, frames[0].Index)
	assert.Equal(t, 2, frames[1].Index)
	assert.Equal(t, 10, frames[2].Index)
	for _, f := range frames {
		assert.NotEmpty(t, f.Data)
	}
}

func TestLoadFrameSequenceMissingDir(t *testing.T) {
	_, err := LoadFrameSequence(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestFrameIndex(t *testing.T) {
	tests := []struct {
		name  string
		file  string
		ext   string
		index int
		ok    bool
	}{
		{name: "prefixed", file: "frame-0042.png", ext: ".png", index: 42, ok: true},
		{name: "bare number", file: "7.jpg", ext: ".jpg", index: 7, ok: true},
		{name: "no digits", file: "background.png", ext: ".png", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, ok := frameIndex(tt.file, tt.ext)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.index, index)
			}
		})
	}
}

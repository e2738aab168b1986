// Package util holds small helpers shared by the command-line tools.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FrameFile is one frame of a recorded sequence, still encoded.
type FrameFile struct {
	// Path is the location of the image file.
	Path string
	// Data is the raw encoded bytes of the image file.
	Data []byte
	// Index is the frame number parsed from the file name.
	Index int
}

// LoadFrameSequence reads every image file of a recorded frame
// sequence from dir, ordered by the trailing number in the file name
// (frame-0001.png, 0002.jpg, ...). Files without a frame number and
// non-image files are skipped.
func LoadFrameSequence(dir string) ([]FrameFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading frame directory %s", dir)
	}

	var frames []FrameFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		switch ext {
		case ".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff":
		default:
			continue
		}

		index, ok := frameIndex(entry.Name(), ext)
		if !ok {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading frame %s", path)
		}
		frames = append(frames, FrameFile{Path: path, Data: data, Index: index})
	}

	sort.Slice(frames, func(i, j int) bool {
		return frames[i].Index < frames[j].Index
	})
	return frames, nil
}

// frameIndex parses the trailing digits of the base file name.
func frameIndex(name, ext string) (int, bool) {
	base := strings.TrimSuffix(name, ext)
	end := len(base)
	start := end
	for start > 0 && base[start-1] >= '0' && base[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	index, err := strconv.Atoi(base[start:end])
	if err != nil {
		return 0, false
	}
	return index, true
}

// Package debugdump writes analysed images to disk for offline inspection.
package debugdump

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"dartscore/internal/imagedata"
)

type Writer struct {
	dir string
}

func New(dir string) *Writer {
	if strings.TrimSpace(dir) == "" {
		dir = os.TempDir()
	}
	return &Writer{dir: dir}
}

// Path returns the file an image with the given label and timestamp is written to.
func (w *Writer) Path(label string, timestamp float64, mime string) string {
	ts := strconv.FormatFloat(timestamp, 'f', 2, 64)
	name := fmt.Sprintf("dart_%s_%s.%s", sanitizeLabel(label), ts, imagedata.Extension(mime))
	return filepath.Join(w.dir, name)
}

func (w *Writer) Save(label string, timestamp float64, img imagedata.Image) (string, error) {
	if len(img.Data) == 0 {
		return "", imagedata.ErrEmpty
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", err
	}
	path := w.Path(label, timestamp, img.MIME)
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "image"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '_'
	}, label)
}

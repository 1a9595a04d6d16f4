// Package imagedata decodes base64 image payloads as sent by browser clients,
// either raw or wrapped in a data: URL.
package imagedata

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrEmpty = errors.New("image payload is empty")

// Image is a decoded payload together with its resolved MIME type.
type Image struct {
	Data []byte
	MIME string
}

// Decode accepts raw base64 (standard or URL-safe alphabet) or a
// data:<mime>;base64,<payload> URL.
func Decode(s string) (Image, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Image{}, ErrEmpty
	}

	var hint string
	if strings.HasPrefix(s, "data:") {
		if idx := strings.IndexByte(s, ','); idx > 0 {
			meta := s[len("data:"):idx]
			if semi := strings.IndexByte(meta, ';'); semi >= 0 {
				hint = meta[:semi]
			} else {
				hint = meta
			}
			s = s[idx+1:]
		}
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		var urlErr error
		data, urlErr = base64.URLEncoding.DecodeString(s)
		if urlErr != nil {
			return Image{}, fmt.Errorf("invalid base64 image: %w", err)
		}
	}
	if len(data) == 0 {
		return Image{}, ErrEmpty
	}
	return Image{Data: data, MIME: PickMIME(hint, data)}, nil
}

// PickMIME prefers the data URL hint and sniffs the bytes otherwise.
func PickMIME(hint string, data []byte) string {
	if h := strings.ToLower(strings.TrimSpace(hint)); h != "" {
		return h
	}
	if len(data) > 0 {
		mime := http.DetectContentType(data)
		if semi := strings.IndexByte(mime, ';'); semi >= 0 {
			mime = mime[:semi]
		}
		return mime
	}
	return "image/jpeg"
}

// Supported reports whether the vision endpoint accepts the MIME type.
func Supported(mime string) bool {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg", "image/png", "image/webp", "image/gif":
		return true
	}
	return false
}

// Extension maps a supported MIME type to a file extension.
func Extension(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpg"
	}
}

func (i Image) DataURL() string {
	return "data:" + i.MIME + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

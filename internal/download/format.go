package download

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
)

type Format string

const (
	Audio Format = "audio"
	Video Format = "video"
)

var (
	ErrUnknownFormat = errors.New("unknown media format")

	unsafeTitleChars = regexp.MustCompile(`[^\p{L}\p{N}_\s]+`)
	repeatedSpace    = regexp.MustCompile(`\s+`)

	contentTypes = map[string]string{
		".mp4":  "video/mp4",
		".m4a":  "audio/mp4",
		".mp3":  "audio/mpeg",
		".webm": "video/webm",
		".opus": "audio/ogg",
	}
)

// ParseFormat maps a requested format (or a common container name for it)
// on to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio", "mp3", "m4a":
		return Audio, nil
	case "video", "mp4":
		return Video, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// SanitizeTitle strips the characters of a display title which are not safe
// to use in a file name.
func SanitizeTitle(title string) string {
	title = unsafeTitleChars.ReplaceAllString(title, "")
	title = strings.TrimSpace(repeatedSpace.ReplaceAllString(title, " "))
	if title == "" {
		return "download"
	}

	return title
}

// Filename builds the attachment file name for an artifact.
func Filename(title string, artifact string) string {
	return SanitizeTitle(title) + strings.ToLower(filepath.Ext(artifact))
}

// ContentDisposition renders an attachment disposition header for the file name.
func ContentDisposition(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}

func contentType(artifact string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(artifact))]; ok {
		return ct
	}

	return "application/octet-stream"
}

package models

import (
	"strings"
	"time"
)

// Recording kinds, also the filename prefix.
const (
	KindRecording = "recording"
	KindClip      = "clip"
)

// Formats the encoder can produce.
const (
	FormatWebM = "webm"
	FormatMP4  = "mp4"
)

// Recording describes a stored media file as returned to the browser.
type Recording struct {
	Filename  string    `json:"filename"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	URL       string    `json:"url,omitempty"`
}

// KindOf infers the kind from the filename prefix. Unknown prefixes count as recordings.
func KindOf(filename string) string {
	if strings.HasPrefix(filename, KindClip+"_") {
		return KindClip
	}
	return KindRecording
}

// FormatOf returns the lowercased extension without the dot, or "".
func FormatOf(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 || i == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}

// Stem returns filename without its extension.
func Stem(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i > 0 {
		return filename[:i]
	}
	return filename
}

// convertedTag marks a derived-format copy: <stem>.converted.<format>.
const convertedTag = ".converted"

// ConvertedName is the name of source's copy in format. Copies of copies share
// the original's stem.
func ConvertedName(source, format string) string {
	return SourceStem(source) + convertedTag + "." + format
}

// IsConverted reports whether filename is a derived-format copy.
func IsConverted(filename string) bool {
	return strings.HasSuffix(Stem(filename), convertedTag)
}

// SourceStem is the stem of the original recording filename belongs to.
func SourceStem(filename string) string {
	return strings.TrimSuffix(Stem(filename), convertedTag)
}

// ValidFormat reports whether f is a supported output format.
func ValidFormat(f string) bool {
	return f == FormatWebM || f == FormatMP4
}

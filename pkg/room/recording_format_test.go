package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatFor(t *testing.T) {
	for mime, want := range map[string]string{
		"":                            "webm",
		"video/webm;codecs=vp8":       "webm",
		"video/x-ivf":                 "ivf",
		"audio/ogg":                   "ogg",
		"video/mp4":                   "mp4",
		"multipart/mixed; boundary=x": "mime",
		"video/x-matroska":            "matroska",
		"application/octet-stream":    "octet-stream",
	} {
		assert.Equal(t, want, formatFor(mime), mime)
	}
}

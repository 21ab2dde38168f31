package server

import (
	"crypto/rand"
	"encoding/hex"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/webstreamer/webstreamer/internal/backend"
	"github.com/webstreamer/webstreamer/internal/stream"
)

const defaultMimeType = "application/octet-stream"

// buildHeaders returns the status and headers of a media response for rng.
func buildHeaders(d backend.Descriptor, rng stream.Range) (int, http.Header) {
	mimeType, fileName := resolveNames(d)

	h := http.Header{}
	h.Set("Content-Type", mimeType)
	if rng.Length() > 0 {
		h.Set("Content-Range", rng.ContentRange())
	}
	h.Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	h.Set("Content-Disposition", contentDisposition(mimeType, fileName))
	h.Set("Accept-Ranges", "bytes")

	status := http.StatusOK
	if rng.Partial {
		status = http.StatusPartialContent
	}
	return status, h
}

// unsatisfiableHeaders returns the headers of a 416 response.
func unsatisfiableHeaders(size int64) http.Header {
	h := http.Header{}
	h.Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
	h.Set("Accept-Ranges", "bytes")
	return h
}

// resolveNames picks the served mime type and file name.
//
// Known mime: keep it and invent a name from its extension when missing.
// Known name only: guess the mime from the extension.
// Neither: octet-stream with a random .unknown name.
func resolveNames(d backend.Descriptor) (mimeType, fileName string) {
	mimeType, fileName = d.MimeType, d.FileName
	switch {
	case mimeType != "":
		if fileName == "" {
			fileName = randomName(extensionFor(mimeType))
		}
	case fileName != "":
		mimeType = mime.TypeByExtension(filepath.Ext(fileName))
		if mimeType == "" {
			mimeType = defaultMimeType
		}
	default:
		mimeType = defaultMimeType
		fileName = randomName("unknown")
	}
	return mimeType, fileName
}

// extensionFor returns a file extension (without the dot) for mimeType.
func extensionFor(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	}
	if m := mimetype.Lookup(base); m != nil && m.Extension() != "" {
		return strings.TrimPrefix(m.Extension(), ".")
	}
	if _, sub, ok := strings.Cut(base, "/"); ok && sub != "" {
		return sub
	}
	return "unknown"
}

func randomName(ext string) string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:]) + "." + ext
}

// contentDisposition plays audio, video and html inline and downloads the rest.
func contentDisposition(mimeType, fileName string) string {
	disposition := "attachment"
	if strings.Contains(mimeType, "video/") || strings.Contains(mimeType, "audio/") || strings.Contains(mimeType, "/html") {
		disposition = "inline"
	}
	if isPlainFileName(fileName) {
		return disposition + `; filename="` + fileName + `"`
	}
	// Non-ASCII names use the RFC 2231 extended form.
	if v := mime.FormatMediaType(disposition, map[string]string{"filename": fileName}); v != "" {
		return v
	}
	return disposition
}

func isPlainFileName(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c > 0x7e || c == '"' || c == '\\' {
			return false
		}
	}
	return true
}

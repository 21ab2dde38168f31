package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/webstreamer/webstreamer/internal/backend"
	"github.com/webstreamer/webstreamer/internal/stream"
)

var generatedName = regexp.MustCompile(`^[0-9a-f]{4}\.`)

func TestResolveNames(t *testing.T) {
	tests := []struct {
		name     string
		d        backend.Descriptor
		wantMime string
		wantName string // exact, or the extension when the name is generated
		generate bool
	}{
		{"both known", backend.Descriptor{MimeType: "video/mp4", FileName: "a.mp4"}, "video/mp4", "a.mp4", false},
		{"mime only", backend.Descriptor{MimeType: "video/mp4"}, "video/mp4", "mp4", true},
		{"mime only unknown to table", backend.Descriptor{MimeType: "application/x-webstreamer-test"}, "application/x-webstreamer-test", "x-webstreamer-test", true},
		{"name only", backend.Descriptor{FileName: "page.html"}, "text/html; charset=utf-8", "page.html", false},
		{"name without known extension", backend.Descriptor{FileName: "blob.zzzz"}, "application/octet-stream", "blob.zzzz", false},
		{"nothing", backend.Descriptor{}, "application/octet-stream", "unknown", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mimeType, fileName := resolveNames(tt.d)
			assert.Equal(t, tt.wantMime, mimeType)
			if tt.generate {
				assert.Regexp(t, generatedName, fileName)
				assert.Equal(t, tt.wantName, fileName[5:])
			} else {
				assert.Equal(t, tt.wantName, fileName)
			}
		})
	}
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, "mp4", extensionFor("video/mp4"))
	assert.Equal(t, "mp3", extensionFor("audio/mpeg"))
	assert.Equal(t, "mkv", extensionFor("video/x-matroska"))
	assert.Equal(t, "txt", extensionFor("text/plain; charset=utf-8"))
	assert.Equal(t, "x-custom", extensionFor("application/x-custom"))
	assert.Equal(t, "unknown", extensionFor("garbage"))
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		mime, name, want string
	}{
		{"video/mp4", "a.mp4", `inline; filename="a.mp4"`},
		{"audio/ogg", "b.ogg", `inline; filename="b.ogg"`},
		{"text/html; charset=utf-8", "c.html", `inline; filename="c.html"`},
		{"application/pdf", "d.pdf", `attachment; filename="d.pdf"`},
		{"image/png", "e f.png", `attachment; filename="e f.png"`},
		{"application/pdf", "résumé.pdf", `attachment; filename*=utf-8''r%C3%A9sum%C3%A9.pdf`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, contentDisposition(tt.mime, tt.name), tt.name)
	}
}

func TestBuildHeaders(t *testing.T) {
	d := backend.Descriptor{Size: 3000000, MimeType: "video/mp4", FileName: "m.mp4"}

	full, err := stream.ParseRange("", d.Size)
	assert.NoError(t, err)
	status, h := buildHeaders(d, full)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "3000000", h.Get("Content-Length"))
	assert.Equal(t, "bytes 0-2999999/3000000", h.Get("Content-Range"))

	part, err := stream.ParseRange("bytes=1048000-2097000", d.Size)
	assert.NoError(t, err)
	status, h = buildHeaders(d, part)
	assert.Equal(t, http.StatusPartialContent, status)
	assert.Equal(t, "1049001", h.Get("Content-Length"))
	assert.Equal(t, "bytes 1048000-2097000/3000000", h.Get("Content-Range"))
	assert.Equal(t, "bytes", h.Get("Accept-Ranges"))

	assert.Equal(t, "bytes */42", unsatisfiableHeaders(42).Get("Content-Range"))
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{4 * time.Second, "4s"},
		{3*time.Minute + 4*time.Second, "3m:4s"},
		{2*time.Hour + 4*time.Second, "2h:0m:4s"},
		{26*time.Hour + 3*time.Minute + 4*time.Second, "1d:2h:3m:4s"},
		{1500 * time.Millisecond, "1s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatUptime(tt.d), tt.d.String())
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, "success", classifyStatus(http.StatusOK))
	assert.Equal(t, "partial", classifyStatus(http.StatusPartialContent))
	assert.Equal(t, "not_found", classifyStatus(http.StatusNotFound))
	assert.Equal(t, "access_denied", classifyStatus(http.StatusForbidden))
	assert.Equal(t, "range_not_satisfiable", classifyStatus(http.StatusRequestedRangeNotSatisfiable))
	assert.Equal(t, "error", classifyStatus(http.StatusBadRequest))
	assert.Equal(t, "error", classifyStatus(http.StatusInternalServerError))
}

func TestIsBenign(t *testing.T) {
	benign := []error{
		context.Canceled,
		fmt.Errorf("fetch chunk: %w", context.Canceled),
		&net.OpError{Op: "write", Err: syscall.EPIPE},
		&net.OpError{Op: "read", Err: syscall.ECONNRESET},
		net.ErrClosed,
	}
	for _, err := range benign {
		assert.True(t, isBenign(err), err.Error())
	}

	for _, err := range []error{errors.New("boom"), stream.ErrObjectNotFound, context.DeadlineExceeded} {
		assert.False(t, isBenign(err), err.Error())
	}
}

package server

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/webstreamer/webstreamer/internal/backend"
)

// Listing limits for /api/list.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// FileEntry is one media message in a listing.
type FileEntry struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Type      string `json:"type"`
	MimeType  string `json:"mime_type"`
	StreamURL string `json:"stream_url"`
	Caption   string `json:"caption"`
	Date      int64  `json:"date"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  int    `json:"duration"`
	Views     int    `json:"views"`
}

// ListResponse is the body of /api/list.
type ListResponse struct {
	Files []FileEntry `json:"files"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	channel := s.cfg.DefaultChannel
	if v := q.Get("channel"); v != "" {
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.jsonError(w, "Invalid channel ID", http.StatusBadRequest)
			return
		}
		channel = c
	}

	limit := DefaultListLimit
	if v := q.Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 {
			s.jsonError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(l, MaxListLimit)
	}

	var offsetID int64
	if v := q.Get("offset_id"); v != "" {
		o, err := strconv.ParseInt(v, 10, 64)
		if err != nil || o < 0 {
			s.jsonError(w, "Invalid offset_id", http.StatusBadRequest)
			return
		}
		offsetID = o
	}

	worker := s.pool.Primary()
	messages, err := worker.History(r.Context(), channel, limit, offsetID)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).
			Str("worker", worker.ID()).
			Int64("channel", channel).
			Msg("Failed to list channel")
		msg := http.StatusText(http.StatusInternalServerError)
		if s.cfg.ExposeErrors {
			msg = err.Error()
		}
		s.jsonError(w, msg, http.StatusInternalServerError)
		return
	}

	files := make([]FileEntry, 0, len(messages))
	for i := range messages {
		if entry, ok := s.fileEntry(&messages[i]); ok {
			files = append(files, entry)
		}
	}
	s.jsonResponse(w, http.StatusOK, ListResponse{Files: files})
}

// fileEntry projects a message into a listing entry; messages without media
// are skipped.
func (s *Server) fileEntry(m *backend.Message) (FileEntry, bool) {
	info, ok := m.Media()
	if !ok {
		return FileEntry{}, false
	}

	name := info.FileName
	if name == "" {
		name = "Unknown"
		if info.Kind == backend.KindPhoto {
			name = "photo_" + m.Date.UTC().Format("2006-01-02_15-04-05") + ".jpg"
		}
	}
	mimeType := info.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	return FileEntry{
		ID:        m.ID,
		Name:      name,
		Size:      info.Size,
		Type:      string(info.Kind),
		MimeType:  mimeType,
		StreamURL: s.StreamURL(info.UniqueID, m.ID),
		Caption:   m.Caption,
		Date:      m.Date.Unix(),
		Width:     info.Width,
		Height:    info.Height,
		Duration:  info.Duration,
		Views:     m.Views,
	}, true
}

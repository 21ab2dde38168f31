// Package backend defines the contract between the gateway and the messaging
// service sessions ("workers") that hold the actual media.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrMessageNotFound is returned by a Worker when the requested message does
// not exist in the channel it serves.
var ErrMessageNotFound = errors.New("message not found")

// Location identifies where a worker can fetch the bytes of a media item.
// It is opaque to the gateway and only valid for the worker that produced it.
type Location string

// Worker is one authenticated backend session.
//
// Implementations must be safe for concurrent use; the gateway calls them from
// many request goroutines at once.
type Worker interface {
	// ID is stable for the lifetime of the process and used as a map key.
	ID() string

	// Message returns a message from the worker's bin channel.
	Message(ctx context.Context, messageID int64) (*Message, error)

	// History returns up to limit messages of channel, newest first, strictly
	// older than offsetID when offsetID is non-zero.
	History(ctx context.Context, channel int64, limit int, offsetID int64) ([]Message, error)

	// FetchChunk returns up to limit bytes starting at offset. Fewer bytes are
	// returned only at the end of the media.
	FetchChunk(ctx context.Context, loc Location, offset, limit int64) ([]byte, error)
}

// Message is a channel message. At most one of the media fields is set.
type Message struct {
	ID       int64     `json:"id"`
	Date     time.Time `json:"date"`
	Caption  string    `json:"caption,omitempty"`
	Views    int       `json:"views,omitempty"`
	Document *Document `json:"document,omitempty"`
	Video    *Video    `json:"video,omitempty"`
	Audio    *Audio    `json:"audio,omitempty"`
	Photo    *Photo    `json:"photo,omitempty"`
}

// File holds the fields every media kind shares.
type File struct {
	FileName string   `json:"file_name,omitempty"`
	Size     int64    `json:"file_size"`
	MimeType string   `json:"mime_type,omitempty"`
	UniqueID string   `json:"file_unique_id"`
	Location Location `json:"location"`
}

// Document is a generic file attachment.
type Document struct {
	File
}

// Video is a video attachment.
type Video struct {
	File
	Width    int `json:"width"`
	Height   int `json:"height"`
	Duration int `json:"duration"`
}

// Audio is an audio attachment.
type Audio struct {
	File
	Duration int `json:"duration"`
}

// Photo is an image attachment.
type Photo struct {
	File
	Width  int `json:"width"`
	Height int `json:"height"`
}

// MediaKind tags the variant a MediaInfo was projected from.
type MediaKind string

// Media kinds.
const (
	KindDocument MediaKind = "document"
	KindVideo    MediaKind = "video"
	KindAudio    MediaKind = "audio"
	KindPhoto    MediaKind = "photo"
)

// MediaInfo is the uniform projection of any media variant. Fields a variant
// does not carry are left at their zero value.
type MediaInfo struct {
	Kind     MediaKind
	FileName string
	Size     int64
	MimeType string
	UniqueID string
	Width    int
	Height   int
	Duration int
	Location Location
}

// Media projects the message attachment. The second result is false when the
// message carries no media.
func (m *Message) Media() (MediaInfo, bool) {
	switch {
	case m.Document != nil:
		return project(KindDocument, m.Document.File), true
	case m.Video != nil:
		info := project(KindVideo, m.Video.File)
		info.Width, info.Height, info.Duration = m.Video.Width, m.Video.Height, m.Video.Duration
		return info, true
	case m.Audio != nil:
		info := project(KindAudio, m.Audio.File)
		info.Duration = m.Audio.Duration
		return info, true
	case m.Photo != nil:
		info := project(KindPhoto, m.Photo.File)
		info.Width, info.Height = m.Photo.Width, m.Photo.Height
		return info, true
	default:
		return MediaInfo{}, false
	}
}

func project(kind MediaKind, f File) MediaInfo {
	return MediaInfo{
		Kind:     kind,
		FileName: f.FileName,
		Size:     f.Size,
		MimeType: f.MimeType,
		UniqueID: f.UniqueID,
		Location: f.Location,
	}
}

// Descriptor is the immutable view of a streamable object resolved through a
// specific worker. Location must not be used with any other worker.
type Descriptor struct {
	MessageID int64
	UniqueID  string
	Size      int64
	MimeType  string
	FileName  string
	Location  Location
}

// Describe builds the Descriptor for a message, or reports false when the
// message has no media.
func Describe(m *Message) (Descriptor, bool) {
	info, ok := m.Media()
	if !ok {
		return Descriptor{}, false
	}
	return Descriptor{
		MessageID: m.ID,
		UniqueID:  info.UniqueID,
		Size:      info.Size,
		MimeType:  info.MimeType,
		FileName:  info.FileName,
		Location:  info.Location,
	}, true
}

// Package store implements a backend worker over a local directory.
//
// Media is split into fixed-size blocks kept in an encrypted, compressed
// content-addressed block store. Messages are JSON records grouped by channel:
//
//	<data_dir>/blocks/ab/ab12...       sealed blocks
//	<data_dir>/objects/ab/ab12....json object manifests (block list)
//	<data_dir>/channels/<id>/<msg>.json message records
//
// Several workers may share one data directory; message ids are allocated with
// an exclusive create so concurrent ingests never overwrite each other.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	"github.com/webstreamer/webstreamer/internal/backend"
)

// DefaultBlockSize is used when Options.BlockSize is zero.
const DefaultBlockSize = 1 << 20

// Options configures a store worker.
type Options struct {
	ID        string
	Channel   int64 // bin channel served by Message
	DataDir   string
	Secret    string
	BlockSize int64
}

// manifest lists the blocks of one stored object in order.
type manifest struct {
	Size      int64    `json:"size"`
	BlockSize int64    `json:"block_size"`
	Blocks    []string `json:"blocks"`
}

// Worker is a backend.Worker over a data directory.
type Worker struct {
	id        string
	channel   int64
	dir       string
	blockSize int64
	blocks    *blockStore

	manifests sync.Map // backend.Location -> *manifest
}

// New opens (creating if needed) the data directory described by opts.
func New(opts Options) (*Worker, error) {
	if opts.ID == "" {
		return nil, errors.New("store worker needs an id")
	}
	if opts.DataDir == "" {
		return nil, errors.New("store worker needs a data directory")
	}
	if opts.Secret == "" {
		return nil, errors.New("store worker needs a secret")
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BlockSize < 0 {
		return nil, fmt.Errorf("invalid block size %d", opts.BlockSize)
	}

	key, err := deriveMasterKey(opts.Secret)
	if err != nil {
		return nil, err
	}
	blocks, err := newBlockStore(filepath.Join(opts.DataDir, "blocks"), key)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"objects", "channels"} {
		if err := os.MkdirAll(filepath.Join(opts.DataDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	return &Worker{
		id:        opts.ID,
		channel:   opts.Channel,
		dir:       opts.DataDir,
		blockSize: opts.BlockSize,
		blocks:    blocks,
	}, nil
}

// ID implements backend.Worker.
func (w *Worker) ID() string { return w.id }

// Channel returns the bin channel.
func (w *Worker) Channel() int64 { return w.channel }

// Message implements backend.Worker.
func (w *Worker) Message(ctx context.Context, messageID int64) (*backend.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.readMessage(w.channel, messageID)
}

// History implements backend.Worker.
func (w *Worker) History(ctx context.Context, channel int64, limit int, offsetID int64) ([]backend.Message, error) {
	ids, err := w.messageIDs(channel)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	out := make([]backend.Message, 0, limit)
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		if offsetID != 0 && id >= offsetID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := w.readMessage(channel, id)
		if errors.Is(err, backend.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, nil
}

// FetchChunk implements backend.Worker by reassembling the blocks that cover
// [offset, offset+limit).
func (w *Worker) FetchChunk(ctx context.Context, loc backend.Location, offset, limit int64) ([]byte, error) {
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("invalid chunk request offset=%d limit=%d", offset, limit)
	}
	m, err := w.manifest(loc)
	if err != nil {
		return nil, err
	}
	if offset >= m.Size {
		return nil, nil
	}
	end := offset + limit
	if end > m.Size {
		end = m.Size
	}

	first := offset / m.BlockSize
	last := (end - 1) / m.BlockSize
	buf := make([]byte, 0, end-offset)
	for i := first; i <= last; i++ {
		data, err := w.blocks.get(ctx, m.Blocks[i])
		if err != nil {
			return nil, fmt.Errorf("object %s block %d: %w", loc, i, err)
		}
		blockStart := i * m.BlockSize
		lo := max(offset-blockStart, 0)
		hi := min(end-blockStart, int64(len(data)))
		if lo > hi {
			return nil, fmt.Errorf("object %s block %d is truncated", loc, i)
		}
		buf = append(buf, data[lo:hi]...)
	}
	return buf, nil
}

// Put ingests r as a new message in channel and returns it. The mime type is
// sniffed from the content; the media kind follows the mime type.
func (w *Worker) Put(ctx context.Context, channel int64, name, caption string, r io.Reader) (*backend.Message, error) {
	m := &manifest{BlockSize: w.blockSize}
	var head []byte
	buf := make([]byte, w.blockSize)
	objectHash := newObjectHasher()

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			if head == nil {
				head = append([]byte(nil), block...)
			}
			hash, perr := w.blocks.put(ctx, block)
			if perr != nil {
				return nil, perr
			}
			objectHash.add(hash, n)
			m.Blocks = append(m.Blocks, hash)
			m.Size += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}

	loc := backend.Location(objectHash.sum())
	if err := w.writeManifest(loc, m); err != nil {
		return nil, err
	}

	file := backend.File{
		FileName: name,
		Size:     m.Size,
		MimeType: detectMime(head, name),
		UniqueID: string(loc)[:24],
		Location: loc,
	}
	msg := backend.Message{Date: time.Now().UTC().Truncate(time.Second), Caption: caption}
	switch {
	case strings.HasPrefix(file.MimeType, "video/"):
		msg.Video = &backend.Video{File: file}
	case strings.HasPrefix(file.MimeType, "audio/"):
		msg.Audio = &backend.Audio{File: file}
	case strings.HasPrefix(file.MimeType, "image/"):
		msg.Photo = &backend.Photo{File: file}
	default:
		msg.Document = &backend.Document{File: file}
	}

	if err := w.appendMessage(ctx, channel, &msg); err != nil {
		return nil, err
	}
	log.Info().
		Str("worker", w.id).
		Int64("channel", channel).
		Int64("message_id", msg.ID).
		Int64("size", m.Size).
		Str("mime_type", file.MimeType).
		Msg("Stored media")
	return &msg, nil
}

func detectMime(head []byte, name string) string {
	detected := mimetype.Detect(head)
	if !detected.Is("application/octet-stream") {
		return detected.String()
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return ""
}

// appendMessage assigns the next free id in channel and writes msg under it.
func (w *Worker) appendMessage(ctx context.Context, channel int64, msg *backend.Message) error {
	dir := w.channelDir(channel)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create channel dir: %w", err)
	}
	ids, err := w.messageIDs(channel)
	if err != nil {
		return err
	}
	next := int64(1)
	for _, id := range ids {
		if id >= next {
			next = id + 1
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg.ID = next
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		err = createExclusive(filepath.Join(dir, strconv.FormatInt(next, 10)+".json"), data)
		if errors.Is(err, os.ErrExist) {
			// Another ingest took this id first.
			next++
			continue
		}
		if err != nil {
			return fmt.Errorf("write message: %w", err)
		}
		return nil
	}
}

// createExclusive writes data to path, failing with os.ErrExist if it is taken.
// The record becomes visible complete or not at all.
func createExclusive(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmpPath, path)
}

func (w *Worker) readMessage(channel, id int64) (*backend.Message, error) {
	data, err := os.ReadFile(filepath.Join(w.channelDir(channel), strconv.FormatInt(id, 10)+".json"))
	if os.IsNotExist(err) {
		return nil, backend.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read message %d: %w", id, err)
	}
	var msg backend.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message %d: %w", id, err)
	}
	return &msg, nil
}

func (w *Worker) messageIDs(channel int64) ([]int64, error) {
	entries, err := os.ReadDir(w.channelDir(channel))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list channel %d: %w", channel, err)
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (w *Worker) channelDir(channel int64) string {
	return filepath.Join(w.dir, "channels", strconv.FormatInt(channel, 10))
}

func (w *Worker) manifestPath(loc backend.Location) (string, error) {
	s := string(loc)
	if len(s) < 2 || strings.ContainsAny(s, `/\.`) {
		return "", fmt.Errorf("invalid location %q", s)
	}
	return filepath.Join(w.dir, "objects", s[:2], s+".json"), nil
}

func (w *Worker) writeManifest(loc backend.Location, m *manifest) error {
	path, err := w.manifestPath(loc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create objects dir: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	w.manifests.Store(loc, m)
	return nil
}

// manifest loads the manifest for loc. Manifests are immutable once written,
// so they are cached without invalidation.
func (w *Worker) manifest(loc backend.Location) (*manifest, error) {
	if m, ok := w.manifests.Load(loc); ok {
		return m.(*manifest), nil
	}
	path, err := w.manifestPath(loc)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", loc, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", loc, err)
	}
	if m.BlockSize <= 0 || int64(len(m.Blocks)) != ceilDiv(m.Size, m.BlockSize) {
		return nil, fmt.Errorf("manifest %s is inconsistent", loc)
	}
	w.manifests.Store(loc, &m)
	return &m, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

package store

import (
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var errBlockNotFound = errors.New("block not found")

// blockStore keeps media blocks addressed by the SHA-256 of their plaintext.
// Pipeline on write: plaintext -> zstd -> XChaCha20-Poly1305 -> file.
//
// Encryption is convergent: identical blocks produce identical files, so the
// same media ingested twice, or by two workers sharing a directory, is stored
// once. Keys and nonces are derived from the master key and the block hash,
// so nobody without the secret can predict a ciphertext.
type blockStore struct {
	dir       string
	masterKey [32]byte

	encoders sync.Pool
	decoders sync.Pool
}

func newBlockStore(dir string, masterKey [32]byte) (*blockStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blocks dir: %w", err)
	}

	b := &blockStore{dir: dir, masterKey: masterKey}
	b.encoders.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		return enc
	}
	b.decoders.New = func() interface{} {
		dec, _ := zstd.NewReader(nil)
		return dec
	}
	return b, nil
}

// deriveMasterKey stretches a configured secret into the block master key.
func deriveMasterKey(secret string) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("webstreamer-store-master"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive master key: %w", err)
	}
	return key, nil
}

// put stores data and returns its hash. Existing blocks are not rewritten.
func (b *blockStore) put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash := hashBytes(data)
	path, err := b.path(hash, true)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	sealed, err := b.seal(b.compress(data), hash)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(path, sealed); err != nil {
		return "", fmt.Errorf("write block: %w", err)
	}
	return hash, nil
}

// get returns the plaintext of a block and checks it against its hash.
func (b *blockStore) get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := b.path(hash, false)
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", errBlockNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}

	compressed, err := b.open(sealed, hash)
	if err != nil {
		return nil, err
	}
	data, err := b.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress block %s: %w", hash, err)
	}
	if got := hashBytes(data); got != hash {
		return nil, fmt.Errorf("block hash mismatch: expected %s, got %s", hash, got)
	}
	return data, nil
}

// path returns blocks/ab/abcdef... and optionally creates the fan-out directory.
func (b *blockStore) path(hash string, create bool) (string, error) {
	if len(hash) != sha256.Size*2 {
		return "", fmt.Errorf("invalid block hash %q", hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return "", fmt.Errorf("invalid block hash %q", hash)
	}
	dir := filepath.Join(b.dir, hash[:2])
	if create {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create block dir: %w", err)
		}
	}
	return filepath.Join(dir, hash), nil
}

func (b *blockStore) aead(hash string) (cipher.AEAD, []byte, error) {
	var key [chacha20poly1305.KeySize]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, b.masterKey[:], []byte(hash), []byte("webstreamer-block-key")), key[:]); err != nil {
		return nil, nil, fmt.Errorf("derive block key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	ikm := append(append([]byte(nil), b.masterKey[:]...), hash...)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte("webstreamer-block-nonce")), nonce); err != nil {
		return nil, nil, fmt.Errorf("derive block nonce: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead, nonce, nil
}

func (b *blockStore) seal(plaintext []byte, hash string) ([]byte, error) {
	aead, nonce, err := b.aead(hash)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func (b *blockStore) open(ciphertext []byte, hash string) ([]byte, error) {
	aead, nonce, err := b.aead(hash)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt block %s: %w", hash, err)
	}
	return plaintext, nil
}

func (b *blockStore) compress(data []byte) []byte {
	enc := b.encoders.Get().(*zstd.Encoder)
	defer b.encoders.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (b *blockStore) decompress(data []byte) ([]byte, error) {
	dec := b.decoders.Get().(*zstd.Decoder)
	defer b.decoders.Put(dec)
	return dec.DecodeAll(data, nil)
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// objectHasher derives an object's location from its ordered block hashes.
type objectHasher struct {
	h hash.Hash
}

func newObjectHasher() *objectHasher {
	return &objectHasher{h: sha256.New()}
}

func (o *objectHasher) add(blockHash string, n int) {
	fmt.Fprintf(o.h, "%s:%d\n", blockHash, n)
}

func (o *objectHasher) sum() string {
	return hex.EncodeToString(o.h.Sum(nil))
}

// writeFileAtomic writes through a unique temp file and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

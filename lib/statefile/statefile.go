// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statefile

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/matrix-e2ee/lib/codec"
	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
)

// KeySize is the sealing key length.
const KeySize = chacha20poly1305.KeySize

const (
	formatVersion = 1

	// maxHeaderSize bounds the header read; real headers are under
	// 100 bytes.
	maxHeaderSize = 4096
)

var magic = [4]byte{'B', 'E', '2', 'S'}

var (
	// ErrChecksumMismatch means the decoded blob does not match the
	// digest recorded when it was written.
	ErrChecksumMismatch = errors.New("statefile: checksum mismatch")

	// ErrNotStateFile means the file does not start with the envelope
	// magic.
	ErrNotStateFile = errors.New("statefile: not a state file")

	// ErrKeyRequired means the file is sealed and no key was supplied.
	ErrKeyRequired = errors.New("statefile: file is sealed and no key was supplied")
)

// Options controls how Write encodes a blob.
type Options struct {
	// Compression is the requested algorithm. Write falls back to
	// none when compression does not shrink the blob.
	Compression Compression

	// Key seals the payload when non-nil. Must be KeySize bytes.
	// Borrowed, not closed.
	Key *secret.Buffer

	// Now stamps the header. Zero means time.Now.
	Now time.Time
}

type header struct {
	Version     uint8       `cbor:"1,keyasint"`
	Compression Compression `cbor:"2,keyasint"`
	Size        uint64      `cbor:"3,keyasint"`
	Digest      []byte      `cbor:"4,keyasint"`
	Nonce       []byte      `cbor:"5,keyasint,omitempty"`
	WrittenAt   int64       `cbor:"6,keyasint"`
}

// Info describes a state file without its blob.
type Info struct {
	Compression Compression
	Size        int
	Sealed      bool
	WrittenAt   time.Time
}

// Write encodes blob and atomically replaces path with it. The file is
// created with mode 0600.
func Write(path string, blob []byte, options Options) error {
	encoded, err := Encode(blob, options)
	if err != nil {
		return err
	}
	return writeAtomic(path, encoded)
}

// Encode returns the envelope bytes for blob.
func Encode(blob []byte, options Options) ([]byte, error) {
	payload, algorithm, err := compress(blob, options.Compression)
	if err != nil {
		return nil, fmt.Errorf("statefile: compressing: %w", err)
	}

	digest := blake3.Sum256(blob)
	now := options.Now
	if now.IsZero() {
		now = time.Now()
	}
	fileHeader := header{
		Version:     formatVersion,
		Compression: algorithm,
		Size:        uint64(len(blob)),
		Digest:      digest[:],
		WrittenAt:   now.UnixMilli(),
	}

	var aead cipher.AEAD
	if options.Key != nil {
		aead, err = chacha20poly1305.NewX(options.Key.Bytes())
		if err != nil {
			return nil, fmt.Errorf("statefile: creating cipher: %w", err)
		}
		nonce := make([]byte, chacha20poly1305.NonceSizeX)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("statefile: generating nonce: %w", err)
		}
		fileHeader.Nonce = nonce
	}

	headerBytes, err := codec.Marshal(fileHeader)
	if err != nil {
		return nil, fmt.Errorf("statefile: encoding header: %w", err)
	}
	if aead != nil {
		payload = aead.Seal(nil, fileHeader.Nonce, payload, headerBytes)
	}

	var output bytes.Buffer
	output.Grow(len(magic) + 4 + len(headerBytes) + len(payload))
	output.Write(magic[:])
	binary.Write(&output, binary.BigEndian, uint32(len(headerBytes)))
	output.Write(headerBytes)
	output.Write(payload)
	return output.Bytes(), nil
}

// Read decodes the state file at path. key may be nil for unsealed
// files. A missing file returns an error satisfying
// errors.Is(err, fs.ErrNotExist).
func Read(path string, key *secret.Buffer) ([]byte, Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Info{}, err
	}
	return Decode(data, key)
}

// Decode reverses Encode.
func Decode(data []byte, key *secret.Buffer) ([]byte, Info, error) {
	if len(data) < len(magic)+4 || !bytes.Equal(data[:len(magic)], magic[:]) {
		return nil, Info{}, ErrNotStateFile
	}
	headerLength := binary.BigEndian.Uint32(data[len(magic):])
	if headerLength > maxHeaderSize || int(headerLength) > len(data)-len(magic)-4 {
		return nil, Info{}, fmt.Errorf("statefile: header length %d out of range", headerLength)
	}
	headerStart := len(magic) + 4
	headerBytes := data[headerStart : headerStart+int(headerLength)]
	payload := data[headerStart+int(headerLength):]

	var fileHeader header
	if err := codec.Unmarshal(headerBytes, &fileHeader); err != nil {
		return nil, Info{}, fmt.Errorf("statefile: decoding header: %w", err)
	}
	if fileHeader.Version != formatVersion {
		return nil, Info{}, fmt.Errorf("statefile: unsupported format version %d", fileHeader.Version)
	}

	info := Info{
		Compression: fileHeader.Compression,
		Size:        int(fileHeader.Size),
		Sealed:      len(fileHeader.Nonce) > 0,
		WrittenAt:   time.UnixMilli(fileHeader.WrittenAt),
	}

	if info.Sealed {
		if key == nil {
			return nil, info, ErrKeyRequired
		}
		aead, err := chacha20poly1305.NewX(key.Bytes())
		if err != nil {
			return nil, info, fmt.Errorf("statefile: creating cipher: %w", err)
		}
		opened, err := aead.Open(nil, fileHeader.Nonce, payload, headerBytes)
		if err != nil {
			return nil, info, fmt.Errorf("statefile: opening sealed payload (wrong key or tampered file): %w", err)
		}
		payload = opened
	}

	blob, err := decompress(payload, fileHeader.Compression, info.Size)
	if err != nil {
		return nil, info, fmt.Errorf("statefile: %w", err)
	}
	digest := blake3.Sum256(blob)
	if !bytes.Equal(digest[:], fileHeader.Digest) {
		return nil, info, ErrChecksumMismatch
	}
	return blob, info, nil
}

// DeriveKey derives a KeySize sealing key from root for the named
// purpose with HKDF-SHA256. root is borrowed; the caller must Close
// the returned buffer.
func DeriveKey(root *secret.Buffer, purpose string) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, root.Bytes(), nil, []byte(purpose))
	derived, err := secret.New(KeySize)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, derived.Bytes()); err != nil {
		derived.Close()
		return nil, fmt.Errorf("statefile: deriving key: %w", err)
	}
	return derived, nil
}

func writeAtomic(path string, data []byte) error {
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("statefile: creating directory: %w", err)
	}

	temporary, err := os.CreateTemp(directory, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("statefile: creating temp file: %w", err)
	}
	temporaryPath := temporary.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(temporaryPath)
		}
	}()

	if err := temporary.Chmod(0o600); err != nil {
		temporary.Close()
		return fmt.Errorf("statefile: chmod temp file: %w", err)
	}
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("statefile: writing temp file: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return fmt.Errorf("statefile: syncing temp file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("statefile: closing temp file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		return fmt.Errorf("statefile: replacing %s: %w", path, err)
	}
	committed = true
	return nil
}

// WriteAtomic replaces path with data using the same temp-file,
// fsync, rename sequence as Write, without the envelope.
func WriteAtomic(path string, data []byte) error {
	return writeAtomic(path, data)
}

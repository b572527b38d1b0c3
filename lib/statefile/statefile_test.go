// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statefile

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
)

// compressibleBlob looks like a pickled olm account export: JSON with
// long repeated structure.
func compressibleBlob() []byte {
	var blob bytes.Buffer
	for index := range 200 {
		blob.WriteString(`{"room_id":"!abc:example.org","session_id":"`)
		blob.WriteByte(byte('a' + index%26))
		blob.WriteString(`","pickle":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},`)
	}
	return blob.Bytes()
}

func testKey(t *testing.T) *secret.Buffer {
	t.Helper()
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	key, err := secret.NewFromBytes(raw)
	if err != nil {
		t.Fatalf("protecting key: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return key
}

func TestWriteRead(t *testing.T) {
	blob := compressibleBlob()

	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "crypto", "state.bin")
			written := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			if err := Write(path, blob, Options{Compression: compression, Now: written}); err != nil {
				t.Fatalf("Write: %v", err)
			}

			stat, err := os.Stat(path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if stat.Mode().Perm() != 0o600 {
				t.Errorf("mode = %v, want 0600", stat.Mode().Perm())
			}

			decoded, info, err := Read(path, nil)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !bytes.Equal(decoded, blob) {
				t.Fatal("decoded blob differs from original")
			}
			if info.Compression != compression {
				t.Errorf("compression = %v, want %v", info.Compression, compression)
			}
			if info.Sealed {
				t.Error("unsealed file reported as sealed")
			}
			if !info.WrittenAt.Equal(written) {
				t.Errorf("written at %v, want %v", info.WrittenAt, written)
			}
		})
	}
}

func TestIncompressibleFallsBackToNone(t *testing.T) {
	random := make([]byte, 512)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand: %v", err)
	}
	encoded, err := Encode(random, Options{Compression: CompressionZstd})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, info, err := Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if info.Compression != CompressionNone {
		t.Errorf("compression = %v, want none for random data", info.Compression)
	}
	if !bytes.Equal(decoded, random) {
		t.Fatal("decoded blob differs")
	}
}

func TestSealed(t *testing.T) {
	blob := compressibleBlob()
	key := testKey(t)

	encoded, err := Encode(blob, Options{Compression: CompressionZstd, Key: key})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	t.Run("round trip", func(t *testing.T) {
		decoded, info, err := Decode(encoded, key)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !info.Sealed {
			t.Error("sealed file not reported as sealed")
		}
		if !bytes.Equal(decoded, blob) {
			t.Fatal("decoded blob differs")
		}
	})

	t.Run("no key", func(t *testing.T) {
		if _, _, err := Decode(encoded, nil); !errors.Is(err, ErrKeyRequired) {
			t.Fatalf("Decode without key: %v, want ErrKeyRequired", err)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		if _, _, err := Decode(encoded, testKey(t)); err == nil {
			t.Fatal("expected error with the wrong key")
		}
	})

	t.Run("tampered header", func(t *testing.T) {
		tampered := bytes.Clone(encoded)
		// The last header byte belongs to the timestamp, which is
		// authenticated but otherwise unchecked.
		headerLength := int(binary.BigEndian.Uint32(tampered[len(magic):]))
		tampered[len(magic)+4+headerLength-1] ^= 0x01
		if _, _, err := Decode(tampered, key); err == nil {
			t.Fatal("expected error for tampered header")
		}
	})
}

func TestChecksumMismatch(t *testing.T) {
	blob := []byte("short uncompressed blob")
	encoded, err := Encode(blob, Options{Compression: CompressionNone})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	encoded[len(encoded)-1] ^= 0xff
	if _, _, err := Decode(encoded, nil); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Decode: %v, want ErrChecksumMismatch", err)
	}
}

func TestReadErrors(t *testing.T) {
	directory := t.TempDir()

	if _, _, err := Read(filepath.Join(directory, "absent"), nil); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Read missing file: %v, want fs.ErrNotExist", err)
	}

	garbage := filepath.Join(directory, "garbage")
	if err := os.WriteFile(garbage, []byte("not a snapshot at all"), 0o600); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	if _, _, err := Read(garbage, nil); !errors.Is(err, ErrNotStateFile) {
		t.Fatalf("Read garbage: %v, want ErrNotStateFile", err)
	}
}

func TestDeriveKey(t *testing.T) {
	root, err := secret.NewFromString("AGE-SECRET-KEY-1EXAMPLEROOTMATERIAL")
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	defer root.Close()

	first, err := DeriveKey(root, "crypto-state")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	defer first.Close()
	again, err := DeriveKey(root, "crypto-state")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	defer again.Close()
	other, err := DeriveKey(root, "something-else")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	defer other.Close()

	if first.Len() != KeySize {
		t.Fatalf("derived key is %d bytes, want %d", first.Len(), KeySize)
	}
	if !first.Equal(again) {
		t.Fatal("derivation is not deterministic")
	}
	if first.Equal(other) {
		t.Fatal("different purposes produced the same key")
	}
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{"": CompressionZstd, "zstd": CompressionZstd, "lz4": CompressionLZ4, "none": CompressionNone} {
		got, err := ParseCompression(name)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Error("expected error for unknown compression")
	}
}

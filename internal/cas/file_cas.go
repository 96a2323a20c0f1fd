package cas

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		// A nil writer is valid when only EncodeAll is used.
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// FileCAS implements CAS using file system storage. Objects are kept
// zstd-compressed on disk and verified against their hash on read.
type FileCAS struct {
	root string
}

// NewFileCAS creates a new file-based CAS in the given directory.
func NewFileCAS(root string) (*FileCAS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create CAS directory: %w", err)
	}
	return &FileCAS{root: root}, nil
}

// getPath returns the file path for a given hash, using the first two hex
// characters as a fan-out directory.
func (f *FileCAS) getPath(hash Hash) string {
	hexStr := hash.String()
	return filepath.Join(f.root, hexStr[:2], hexStr[2:])
}

// Put implements CAS.Put.
func (f *FileCAS) Put(hash Hash, data []byte) error {
	computed := SumB3(data)
	if computed != hash {
		return fmt.Errorf("hash mismatch: expected %s, got %s", hash, computed)
	}

	path := f.getPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	compressed := zstdEncoder().EncodeAll(data, nil)

	// Unique temp name so concurrent writers of the same object never share a file.
	tmp, err := os.CreateTemp(dir, ".obj-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(compressed)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Get implements CAS.Get.
func (f *FileCAS) Get(hash Hash) ([]byte, error) {
	compressed, err := os.ReadFile(f.getPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("hash not found: %s", hash)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	data, err := zstdDecoder().DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress object %s: %w", hash, err)
	}

	if SumB3(data) != hash {
		return nil, fmt.Errorf("corrupted data: hash mismatch for %s", hash)
	}
	return data, nil
}

// Has implements CAS.Has.
func (f *FileCAS) Has(hash Hash) (bool, error) {
	_, err := os.Stat(f.getPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file: %w", err)
	}
	return true, nil
}

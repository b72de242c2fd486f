package admission

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrTooLarge: the upload exceeds the configured byte cap.
	ErrTooLarge = errors.New("admission: file too large")
	// ErrUnsupported: the bytes are not a recognized image format.
	ErrUnsupported = errors.New("admission: unsupported image format")
)

// Input is a validated upload ready for storage and the queue.
type Input struct {
	Cleaned []byte // bytes to persist (may differ from the raw upload)
	Hash    string // SHA-256 hex of Cleaned
	Ext     string // "jpg", "png" or "webp"
}

// Validator turns raw upload bytes into a validated Input. The sniffing
// implementation below is the default; deployments that re-encode images
// (EXIF stripping, downscaling) plug in their own.
type Validator interface {
	Validate(data []byte, filename string) (*Input, error)
}

// SniffValidator validates by size cap and magic bytes only. The bytes are
// stored as received.
type SniffValidator struct {
	MaxBytes int64
}

func (v *SniffValidator) Validate(data []byte, filename string) (*Input, error) {
	if v.MaxBytes > 0 && int64(len(data)) > v.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	ext, ok := sniffImage(data)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, filename)
	}
	sum := sha256.Sum256(data)
	return &Input{
		Cleaned: data,
		Hash:    hex.EncodeToString(sum[:]),
		Ext:     ext,
	}, nil
}

var (
	magicJPEG = []byte{0xFF, 0xD8, 0xFF}
	magicPNG  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
)

// sniffImage recognizes jpeg, png and webp by their leading bytes.
func sniffImage(data []byte) (ext string, ok bool) {
	switch {
	case bytes.HasPrefix(data, magicJPEG):
		return "jpg", true
	case bytes.HasPrefix(data, magicPNG):
		return "png", true
	case len(data) >= 12 &&
		bytes.Equal(data[0:4], []byte("RIFF")) &&
		bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp", true
	}
	return "", false
}

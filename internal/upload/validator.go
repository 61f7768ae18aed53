// Package upload reads and checks client uploads before anything tries to
// decode them.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Brownie44l1/crop-disease-api/internal/apperr"
)

// MinImageSize is the shortest buffer accepted as an image.
const MinImageSize = 12

type Signature int

const (
	Unknown Signature = iota
	JPEG
	PNG
	WEBP
)

func (s Signature) String() string {
	switch s {
	case JPEG:
		return "jpeg"
	case PNG:
		return "png"
	case WEBP:
		return "webp"
	default:
		return "unknown"
	}
}

// Checked in order, first match wins. WEBP only looks at the RIFF header.
var signatures = []struct {
	sig   Signature
	magic []byte
}{
	{JPEG, []byte{0xFF, 0xD8, 0xFF}},
	{PNG, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	{WEBP, []byte("RIFF")},
}

// Sniff identifies the image format from the leading bytes.
func Sniff(b []byte) Signature {
	for _, s := range signatures {
		if bytes.HasPrefix(b, s.magic) {
			return s.sig
		}
	}
	return Unknown
}

type Validator struct {
	MaxSize   int64
	ChunkSize int64
}

func NewValidator(maxSize, chunkSize int64) *Validator {
	return &Validator{MaxSize: maxSize, ChunkSize: chunkSize}
}

// Read consumes r in chunks and stops as soon as the size limit is crossed.
func (v *Validator) Read(ctx context.Context, r io.Reader) ([]byte, error) {
	return ReadLimited(ctx, r, v.MaxSize, v.ChunkSize)
}

// Validate checks a fully read upload. declaredType may be empty.
func (v *Validator) Validate(b []byte, declaredType string) (Signature, error) {
	if int64(len(b)) > v.MaxSize {
		return Unknown, TooLarge(v.MaxSize)
	}
	if len(b) < MinImageSize {
		return Unknown, apperr.New(apperr.InvalidImage, "Invalid image: file is too small to be an image")
	}

	sig := Sniff(b)
	if sig == Unknown {
		return Unknown, apperr.New(apperr.InvalidImage, "Invalid image: unsupported or corrupt format")
	}

	if declaredType != "" && !strings.HasPrefix(declaredType, "image/") {
		return sig, apperr.New(apperr.ContentTypeMismatch,
			fmt.Sprintf("Content type mismatch: declared %q but uploaded file is not an image type", declaredType))
	}
	return sig, nil
}

// ReadLimited reads r in chunks of chunkSize. Once more than maxSize bytes
// have been seen it returns PayloadTooLarge without draining the rest, so at
// most maxSize+chunkSize bytes are ever held.
func ReadLimited(ctx context.Context, r io.Reader, maxSize, chunkSize int64) ([]byte, error) {
	chunk := make([]byte, chunkSize)
	var data []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.BadRequest, "Upload aborted", err)
		}

		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			if int64(len(data))+int64(n) > maxSize {
				return nil, TooLarge(maxSize)
			}
			data = append(data, chunk[:n]...)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return data, nil
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.BadRequest, "Failed to read uploaded file", err)
		}
	}
}

func TooLarge(maxSize int64) *apperr.Error {
	return apperr.New(apperr.PayloadTooLarge,
		fmt.Sprintf("File too large. Maximum allowed size is %s", FormatMB(maxSize)))
}

// FormatMB renders a byte count as mebibytes with one decimal, e.g. "5.0MB".
func FormatMB(n int64) string {
	return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
}

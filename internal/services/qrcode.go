package services

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

// DefaultQRSize is the edge length in pixels of ticket QR images.
const DefaultQRSize = 256

var errEmptyQRContent = errors.New("qr content is empty")

// TicketQRCode renders content (usually a ticket reference) as a square PNG.
func TicketQRCode(content string, size int) ([]byte, error) {
	if content == "" {
		return nil, errEmptyQRContent
	}
	if size <= 0 {
		size = DefaultQRSize
	}
	code, err := qr.Encode(content, qr.M, qr.Unicode)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	code, err = barcode.Scale(code, size, size)
	if err != nil {
		return nil, fmt.Errorf("scale qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

package stubapi

import (
	"github.com/skip2/go-qrcode"
)

// QRRenderer renders content as a PNG QR code.
type QRRenderer interface {
	Render(content string) ([]byte, error)
}

// PNGRenderer renders square PNG QR codes with medium error correction.
type PNGRenderer struct {
	Size int // edge length in pixels
}

func (r PNGRenderer) Render(content string) ([]byte, error) {
	size := r.Size
	if size <= 0 {
		size = DefaultQRSize
	}
	return qrcode.Encode(content, qrcode.Medium, size)
}

// QRRendererFunc adapts a function to QRRenderer.
type QRRendererFunc func(content string) ([]byte, error)

func (f QRRendererFunc) Render(content string) ([]byte, error) { return f(content) }

package lifecycle

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const DefaultQRSize = 256

// QRRenderer turns a pairing token into an image source observers can display.
type QRRenderer func(token string) (string, error)

// PNGDataURL renders tokens as base64 PNG data URLs of size x size pixels.
func PNGDataURL(size int) QRRenderer {
	if size <= 0 {
		size = DefaultQRSize
	}
	return func(token string) (string, error) {
		png, err := qrcode.Encode(token, qrcode.Medium, size)
		if err != nil {
			return "", fmt.Errorf("lifecycle: render qr: %w", err)
		}
		return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
	}
}

// ABOUTME: Renders pairing codes as PNG data URLs for display in a browser
// ABOUTME: Uses go-qrcode at medium error correction

package session

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// qrSize is the rendered image edge in pixels.
const qrSize = 256

// RenderQR encodes code as a data:image/png;base64 URL.
func RenderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("encoding qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

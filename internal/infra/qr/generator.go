// Package qr renders a session's pairing QR body for operators: a
// base64 PNG for GET /session/{id} diagnostics, and an optional terminal
// dump for local development.
package qr

import (
	"encoding/base64"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
)

// Generator renders a QR body in the two shapes operators need.
type Generator struct{}

// NewGenerator builds a QR renderer.
func NewGenerator() *Generator {
	return &Generator{}
}

// Base64PNG renders code as a base64-encoded PNG.
func (g *Generator) Base64PNG(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

// DisplayTerminal prints code to stdout as a scannable terminal QR code,
// used only when QR_TERMINAL_DEBUG is enabled for local pairing.
func (g *Generator) DisplayTerminal(code string) {
	qrterminal.GenerateWithConfig(code, qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
}

package fatboot

import (
	"fmt"
	"strings"

	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
)

// MaxLabelField is the width of the on-disk label field.
const MaxLabelField = engine.MaxLabelLength

const (
	noName            = "NO NAME"
	illegalLabelChars = "\"*+,.:;<=>?[]|\x7F"
)

// NormalizeLabel validates label and converts it to its stored form:
// ASCII letters upper-cased, trailing spaces removed. Bytes at or above
// 0x80 pass through as OEM code page characters.
func NormalizeLabel(label string) (string, error) {
	label = strings.TrimRight(label, " ")
	if len(label) > MaxLabelField {
		return "", fmt.Errorf("%w: %q longer than %d bytes", pkg.ErrInvalidLabel, label, MaxLabelField)
	}
	if strings.HasPrefix(label, " ") {
		return "", fmt.Errorf("%w: %q has a leading space", pkg.ErrInvalidLabel, label)
	}

	b := []byte(label)
	for i, c := range b {
		switch {
		case c < 0x20 || strings.IndexByte(illegalLabelChars, c) >= 0:
			return "", fmt.Errorf("%w: %q contains %q", pkg.ErrInvalidLabel, label, c)
		case c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b), nil
}

// labelField pads a normalized label to the on-disk field.
func labelField(label string) [MaxLabelField]byte {
	var f [MaxLabelField]byte
	for i := range f {
		f[i] = ' '
	}
	copy(f[:], label)
	if f[0] == entryDeleted {
		f[0] = 0x05
	}
	return f
}

// decodeLabel reverses labelField.
func decodeLabel(raw []byte) string {
	b := make([]byte, len(raw))
	copy(b, raw)
	if len(b) > 0 && b[0] == 0x05 {
		b[0] = entryDeleted
	}
	s := strings.TrimRight(string(b), " \x00")
	if s == noName {
		return ""
	}
	return s
}

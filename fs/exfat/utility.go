package exfat

import (
	"errors"
	"unicode/utf16"
	"unicode/utf8"
)

var (
	// ErrUtf16Conversion indicates a malformed sequence of UTF-16 code-units.
	ErrUtf16Conversion = errors.New("utf16 conversion failed")
)

// Utf16Decoder converts the first `unitCount` UTF-16LE code-units of `raw` to
// UTF-8.
type Utf16Decoder func(raw []byte, unitCount int) (decoded string, err error)

// DecodeUtf16Name is the default Utf16Decoder. Unpaired surrogates fail the
// whole conversion. Control characters are replaced with '^' so that names
// remain printable.
func DecodeUtf16Name(raw []byte, unitCount int) (decoded string, err error) {
	if unitCount < 0 || unitCount*2 > len(raw) {
		return "", ErrUtf16Conversion
	}

	units := make([]uint16, unitCount)
	for i := range units {
		units[i] = defaultEncoding.Uint16(raw[i*2:])
	}

	b := make([]byte, 0, unitCount*3)
	for i := 0; i < len(units); i++ {
		r := rune(units[i])

		if utf16.IsSurrogate(r) == true {
			if i+1 >= len(units) {
				return "", ErrUtf16Conversion
			}

			r = utf16.DecodeRune(r, rune(units[i+1]))
			if r == utf8.RuneError {
				return "", ErrUtf16Conversion
			}

			i++
		} else if r < 0x20 {
			r = '^'
		}

		b = utf8.AppendRune(b, r)
	}

	return string(b), nil
}

// EncodeUtf16Name is the inverse of DecodeUtf16Name. It is used to build
// entries.
func EncodeUtf16Name(s string) []byte {
	units := utf16.Encode([]rune(s))

	raw := make([]byte, len(units)*2)
	for i, unit := range units {
		defaultEncoding.PutUint16(raw[i*2:], unit)
	}

	return raw
}

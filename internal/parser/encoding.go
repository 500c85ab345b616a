package parser

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var ErrDecode = errors.New("failed to decode text")

// Decode converts raw file bytes to a string using the named encoding
// (a WHATWG label such as "utf-8", "utf-16le" or "windows-1252").
// UTF-8 is validated strictly: invalid input is an error, never replaced.
func Decode(data []byte, encoding string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(encoding))
	if name == "" || name == "utf-8" || name == "utf8" {
		data = bytesTrimBOM(data)
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: invalid utf-8", ErrDecode)
		}
		return string(data), nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", fmt.Errorf("%w: unknown encoding %q", ErrDecode, encoding)
	}

	out, _, err := transform.Bytes(unicode.BOMOverride(enc.NewDecoder()), data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return string(out), nil
}

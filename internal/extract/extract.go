// Package extract turns uploaded text documents into plain text, trying the
// legacy charsets chat clients still send.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var (
	// ErrUndecodable is returned when no known encoding yields clean text.
	ErrUndecodable = errors.New("extract: undecodable text")
	// ErrEmpty is returned when the decoded text is blank.
	ErrEmpty = errors.New("extract: empty text")
	// ErrUnsupported is returned for documents that are not plain text.
	ErrUnsupported = errors.New("extract: unsupported document")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type candidate struct {
	name string
	enc  encoding.Encoding
}

// Encodings are tried in order; utf-8 is handled separately.
var fallbacks = []candidate{
	{name: "cp1251", enc: charmap.Windows1251},
	{name: "iso-8859-1", enc: charmap.ISO8859_1},
	{name: "windows-1252", enc: charmap.Windows1252},
}

// IsTextDocument reports whether an upload is plain text, by its .txt
// extension or a text/plain MIME type.
func IsTextDocument(name, mime string) bool {
	return strings.EqualFold(filepath.Ext(name), ".txt") ||
		strings.HasPrefix(strings.ToLower(mime), "text/plain")
}

// Label derives the content label from an uploaded file name.
func Label(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Text decodes raw document bytes.
func Text(raw []byte) (string, error) {
	text, _, err := Decode(raw)
	return text, err
}

// Decode is Text that also reports which encoding succeeded.
func Decode(raw []byte) (string, string, error) {
	var (
		text string
		used string
	)
	if utf8.Valid(raw) {
		text, used = string(bytes.TrimPrefix(raw, utf8BOM)), "utf-8"
	} else {
		for _, c := range fallbacks {
			decoded, err := c.enc.NewDecoder().Bytes(raw)
			if err != nil || bytes.ContainsRune(decoded, utf8.RuneError) {
				continue
			}
			text, used = string(decoded), c.name
			break
		}
		if used == "" {
			return "", "", ErrUndecodable
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", used, ErrEmpty
	}
	return text, used, nil
}

// Document validates the upload type and decodes its contents.
func Document(name, mime string, raw []byte) (string, error) {
	if !IsTextDocument(name, mime) {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
	return Text(raw)
}

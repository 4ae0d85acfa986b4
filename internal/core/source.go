package core

// source.go normalizes the byte stream of entity files before JSON decoding.
//
// Exports produced by spreadsheet tools on Windows often start with a byte
// order mark, occasionally as UTF-16. A few also carry stray Latin-1 bytes.
// NewSourceReader handles both without loading the file twice:
//
//   - a UTF-8 or UTF-16 BOM selects the decoder and is dropped
//   - invalid UTF-8 sequences become U+FFFD

import (
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// NewSourceReader wraps r so that it yields BOM-free, valid UTF-8.
func NewSourceReader(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
}

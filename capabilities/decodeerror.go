package capabilities

import (
	"fmt"

	"github.com/delta10/ogcprovider/ogcerr"
)

// quoteLen bounds how much of the raw document a CapabilitiesError quotes.
const quoteLen = 256

// newDecodeError builds a CapabilitiesError describing the byte offset a
// malformed-XML failure occurred at, translated to a 1-based line/column,
// plus a quote of the document's opening bytes.
func newDecodeError(raw []byte, offset int64, cause error) *ogcerr.Error {
	line, col := lineCol(raw, offset)
	quote := raw
	if len(quote) > quoteLen {
		quote = quote[:quoteLen]
	}
	msg := fmt.Sprintf("malformed XML at line %d, column %d: %v; document begins: %q", line, col, cause, quote)
	return ogcerr.New(ogcerr.Capabilities, "capabilities parse error", msg)
}

// lineCol turns a byte offset into a 1-based (line, column) pair by
// scanning the document up to that offset. encoding/xml's SyntaxError
// already carries a Line field for well-formedness errors; this recomputes
// it from the offset so every failure path (including our own structural
// checks in buildTree) reports consistently.
func lineCol(raw []byte, offset int64) (line, col int) {
	if offset < 0 || offset > int64(len(raw)) {
		offset = int64(len(raw))
	}
	line = 1
	lastNewline := -1
	for i := int64(0); i < offset; i++ {
		if raw[i] == '\n' {
			line++
			lastNewline = int(i)
		}
	}
	col = int(offset) - lastNewline
	return line, col
}

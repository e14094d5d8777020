package proxyfix

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"unicode/utf8"
)

// ErrInvalidChunk marks a response chunk that is not valid UTF-8. A corrupted
// chunk is fatal for the stream: passing it through unrepaired would break the
// SSE framing downstream, and dropping it silently would be worse.
var ErrInvalidChunk = errors.New("proxyfix: response chunk is not valid utf-8")

var toolCallsMarker = []byte("tool_calls")

// The proxy numbers the first (and, under the one-call-per-step policy, only)
// tool call of a step as index 1 instead of 0. The word boundary keeps larger
// index values ("index":12) untouched.
var wrongIndexPattern = regexp.MustCompile(`"index":1\b`)

var wrongIndexReplacement = []byte(`"index":0`)

// RewriteChunk repairs one streamed response chunk: every quoted mangled tool
// name is replaced with its canonical form, and in chunks carrying tool calls
// the proxy's off-by-one block index 1 is rewritten to 0. All other bytes pass
// through unchanged. The chunk must be complete UTF-8 text.
//
// Each chunk is treated independently. A mangled name or index token split
// across a chunk boundary would escape the rewrite; the proxy has not been
// observed to split these tokens, so this is an accepted limitation rather
// than a guarantee.
func RewriteChunk(chunk []byte) ([]byte, error) {
	if !utf8.Valid(chunk) {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidChunk, len(chunk))
	}
	out := chunk
	for mangled, canonical := range mangledToCanonical {
		quoted := []byte(`"` + mangled + `"`)
		if !bytes.Contains(out, quoted) {
			continue
		}
		out = bytes.ReplaceAll(out, quoted, []byte(`"`+canonical+`"`))
	}
	if bytes.Contains(out, toolCallsMarker) {
		out = wrongIndexPattern.ReplaceAll(out, wrongIndexReplacement)
	}
	return out, nil
}

// NewRewriteBody wraps a provider response body so that every chunk read from
// it has been repaired by RewriteChunk. Chunk boundaries are preserved apart
// from the targeted substitutions; a multi-byte rune split across two reads is
// carried over to the next chunk rather than rejected.
func NewRewriteBody(src io.ReadCloser) io.ReadCloser {
	return &rewriteBody{src: src, scratch: make([]byte, 32*1024)}
}

type rewriteBody struct {
	src     io.ReadCloser
	scratch []byte
	pending []byte // rewritten bytes not yet handed to the caller
	carry   []byte // incomplete trailing rune from the previous read
	err     error
}

func (b *rewriteBody) Read(p []byte) (int, error) {
	for len(b.pending) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		n, readErr := b.src.Read(b.scratch)
		if n > 0 {
			chunk := b.scratch[:n]
			if len(b.carry) > 0 {
				chunk = append(b.carry, chunk...)
				b.carry = nil
			}
			chunk, rest := splitIncompleteRune(chunk)
			// rest aliases scratch; the next read reuses that buffer, so the
			// carried bytes must be copied out.
			b.carry = append([]byte(nil), rest...)
			if len(chunk) > 0 {
				rewritten, rwErr := RewriteChunk(chunk)
				if rwErr != nil {
					b.err = rwErr
					return 0, rwErr
				}
				b.pending = rewritten
			}
		}
		if readErr != nil {
			if readErr == io.EOF && len(b.carry) > 0 {
				readErr = fmt.Errorf("%w: truncated rune at end of stream", ErrInvalidChunk)
			}
			b.err = readErr
			if len(b.pending) == 0 {
				return 0, b.err
			}
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *rewriteBody) Close() error {
	return b.src.Close()
}

// splitIncompleteRune cuts an unfinished trailing multi-byte rune off chunk
// so the remainder validates as complete UTF-8 text.
func splitIncompleteRune(chunk []byte) (complete, rest []byte) {
	n := len(chunk)
	for i := 1; i <= utf8.UTFMax && i <= n; i++ {
		if !utf8.RuneStart(chunk[n-i]) {
			continue
		}
		if utf8.FullRune(chunk[n-i:]) {
			return chunk, nil
		}
		return chunk[:n-i], chunk[n-i:]
	}
	return chunk, nil
}

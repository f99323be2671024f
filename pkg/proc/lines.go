package proc

import (
	"bytes"
)

// lineAssembler reassembles complete lines from arbitrary byte chunks,
// buffering the trailing partial line between chunks. Pty output arrives
// with CRLF endings (ONLCR), so a trailing carriage return is stripped.
type lineAssembler struct {
	partial []byte
}

// Feed consumes a chunk and emits each completed line, without its
// terminator, in order.
func (a *lineAssembler) Feed(chunk []byte, emit func(string)) {
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			a.partial = append(a.partial, chunk...)
			return
		}
		line := chunk[:idx]
		if len(a.partial) > 0 {
			line = append(a.partial, line...)
			a.partial = nil
		}
		emit(string(bytes.TrimSuffix(line, []byte{'\r'})))
		chunk = chunk[idx+1:]
	}
}

// Flush emits any buffered trailing partial line. Called once when the
// stream closes.
func (a *lineAssembler) Flush(emit func(string)) {
	if len(a.partial) == 0 {
		return
	}
	line := bytes.TrimSuffix(a.partial, []byte{'\r'})
	a.partial = nil
	if len(line) > 0 {
		emit(string(line))
	}
}

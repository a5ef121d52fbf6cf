package diff

import "github.com/cespare/xxhash"

// Text is the line-based histogram provider. Distance is counted in
// lines; a trailing line without a newline is still a line.
type Text struct{}

func (Text) Name() string { return "histogram" }

func (Text) Diff(a, b []byte) (Script, int) {
	chunks := diffTokens(splitLines(a), splitLines(b), nil)
	return buildScript(chunks, a)
}

// splitLines keeps the newline attached to its line so that a script
// concatenates back to the original bytes.
func splitLines(data []byte) (toks []token) {
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			line := data[start : i+1]
			toks = append(toks, token{text: line, hash: xxhash.Sum64(line)})
			start = i + 1
		}
	}
	if start < len(data) {
		line := data[start:]
		toks = append(toks, token{text: line, hash: xxhash.Sum64(line)})
	}
	return
}

package diff

// Bytes is the byte-level provider: the same histogram algorithm with
// one token per byte. Distance is counted in bytes.
type Bytes struct{}

func (Bytes) Name() string { return "bytes" }

func (Bytes) Diff(a, b []byte) (Script, int) {
	chunks := diffTokens(splitBytes(a), splitBytes(b), nil)
	return buildScript(chunks, a)
}

func splitBytes(data []byte) []token {
	toks := make([]token, len(data))
	for i := range data {
		toks[i] = token{text: data[i : i+1], hash: uint64(data[i]) + 1}
	}
	return toks
}

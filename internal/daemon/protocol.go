package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// The helper speaks a line protocol over its stdio: it prints "READY"
// once on startup, then answers each "cluster <n>" request with a
// single line containing a JSON array of opaque token strings. The
// line may carry leading noise before the array, so parsing scans for
// the first bracket.

// readySignal is the first line the helper prints when it is able to
// serve requests.
const readySignal = "READY"

// clusterRequest encodes a token-generation request for n clusters.
func clusterRequest(n int) []byte {
	return []byte("cluster " + strconv.Itoa(n) + "\n")
}

// parseTokenLine extracts the token strings from one response line.
func parseTokenLine(line []byte) ([]string, error) {
	start := bytes.IndexByte(line, '[')
	if start < 0 {
		return nil, fmt.Errorf("no token array in helper output: %q", trimForError(line))
	}
	var tokens []string
	if err := json.Unmarshal(line[start:], &tokens); err != nil {
		return nil, fmt.Errorf("decode helper output: %w", err)
	}
	return tokens, nil
}

func trimForError(line []byte) string {
	const max = 120
	s := string(bytes.TrimSpace(line))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

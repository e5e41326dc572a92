package audit

import (
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult is the outcome of checking a log's hash chain.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify walks the log and reports the first line whose prev_hash does not
// match the line before it.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	want := GenesisHash
	n := 0
	sc := newScanner(f)
	for sc.Scan() {
		n++
		line := sc.Bytes()
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return VerifyResult{Lines: n - 1, Error: fmt.Sprintf("parse error: %v", err), ErrorLine: n}
		}
		if e.PrevHash != want {
			msg := fmt.Sprintf("hash mismatch: expected %s, got %s", want, e.PrevHash)
			if n == 1 {
				msg = fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)
			}
			return VerifyResult{Lines: n - 1, Error: msg, ErrorLine: n}
		}
		want = HashLine(line)
	}
	if err := sc.Err(); err != nil {
		return VerifyResult{Lines: n, Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: n}
}

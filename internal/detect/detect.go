// Package detect sniffs input to determine its format.
package detect

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Format represents a recognized input format.
type Format int

const (
	Unknown      Format = iota
	GoTestJSON          // go test -json NDJSON stream
	RecordStream        // testseq NDJSON record stream
)

func (f Format) String() string {
	switch f {
	case GoTestJSON:
		return "go test -json"
	case RecordStream:
		return "testseq records"
	default:
		return "unknown"
	}
}

// Sniff examines the first line of input to determine format.
func Sniff(data []byte) Format {
	data = bytes.TrimLeft(data, " \t\r\n")
	if len(data) == 0 || data[0] != '{' {
		return Unknown
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}

	// Both formats are one object per line; the field names tell them apart.
	var line struct {
		Action string `json:"Action"`
		Op     string `json:"op"`
		Seq    uint64 `json:"seq"`
	}
	if err := json.Unmarshal(data, &line); err != nil {
		return Unknown
	}

	switch {
	case validActions[line.Action]:
		return GoTestJSON
	case validOps[line.Op] && line.Seq > 0:
		return RecordStream
	}
	return Unknown
}

var validActions = map[string]bool{
	"start": true, "run": true, "pause": true, "cont": true,
	"pass": true, "bench": true, "fail": true, "output": true, "skip": true,
}

var validOps = map[string]bool{
	"started": true, "output": true, "completed": true, "failed": true,
}

// Peek sniffs the first non-blank line of r without consuming it.
func Peek(r *bufio.Reader) (Format, error) {
	for n := 64; ; n *= 2 {
		data, err := r.Peek(n)
		trimmed := bytes.TrimLeft(data, " \t\r\n")
		if bytes.IndexByte(trimmed, '\n') >= 0 || err != nil {
			if len(trimmed) == 0 && err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
				return Unknown, err
			}
			return Sniff(data), nil
		}
	}
}

package testjson

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
)

// ProcessFunc handles one event. A non-nil error stops Stream.
type ProcessFunc func(TestEvent) error

// maxLine bounds one JSON record; -v output from a single test can be long.
const maxLine = 1 << 20

type line struct {
	data []byte
	err  error
}

// Stream decodes r one record per line and hands each TestEvent to fn. It
// returns how many non-blank lines failed to decode, such as compiler output
// that precedes test2json. Decoding ends at EOF, when fn fails, or when ctx is
// done.
//
// Reading happens on its own goroutine. When ctx is done Stream closes r if r is
// an io.Closer; a reader that is not must be closed by the caller.
func Stream(ctx context.Context, r io.Reader, fn ProcessFunc) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan line)
	go readLines(ctx, r, lines)

	var malformed int
	for {
		select {
		case <-ctx.Done():
			if c, ok := r.(io.Closer); ok {
				_ = c.Close()
			}
			return malformed, ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return malformed, nil
			}
			if l.err != nil {
				return malformed, l.err
			}
			if len(l.data) == 0 {
				continue
			}
			var event TestEvent
			if err := json.Unmarshal(l.data, &event); err != nil {
				malformed++
				continue
			}
			if err := fn(event); err != nil {
				return malformed, err
			}
		}
	}
}

func readLines(ctx context.Context, r io.Reader, out chan<- line) {
	defer close(out)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		l := line{data: append([]byte(nil), sc.Bytes()...)}
		select {
		case out <- l:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case out <- line{err: err}:
		case <-ctx.Done():
		}
	}
}

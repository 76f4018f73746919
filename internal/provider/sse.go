package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// readSSE splits an event stream into events and hands every data payload to
// handle. It stops when handle returns false, the body ends or ctx is done.
func readSSE(ctx context.Context, body io.Reader, handle func(event, data string) bool) error {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 1024)
	for {
		n, err := body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			buf = bytes.ReplaceAll(buf, []byte("\r\n"), []byte("\n"))
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				block := string(buf[:idx])
				buf = buf[idx+2:]

				event, data := parseSSEBlock(block)
				if data == "" {
					continue
				}
				if !handle(event, data) {
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// parseSSEBlock returns the event name and the joined data lines of one block.
func parseSSEBlock(block string) (event, data string) {
	var lines []string
	for _, line := range bytes.Split([]byte(block), []byte("\n")) {
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			lines = append(lines, string(bytes.TrimPrefix(line[5:], []byte(" "))))
		}
	}
	for i, l := range lines {
		if i > 0 {
			data += "\n"
		}
		data += l
	}
	return event, data
}

// sendChunk delivers c unless ctx is cancelled first.
func sendChunk(ctx context.Context, ch chan<- *StreamChunk, c *StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

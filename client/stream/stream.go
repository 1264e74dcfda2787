// Package stream consumes a conversation event stream: pairs of
// "event:"/"data:" lines separated by blank lines.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dkovac/ritmo/internal/hub"
)

// Reader decodes events off a live stream. It is not safe for concurrent
// use; one connection gets one reader.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r)}
}

// Next blocks until the next event arrives. Keepalive pings are returned
// like any other event; callers decide whether to ignore them. It returns
// io.EOF when the stream ends cleanly.
func (r *Reader) Next() (hub.Event, error) {
	var (
		eventType string
		data      string
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if eventType == "" && data == "" {
				continue // stray separator
			}
			return decode(eventType, data)
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		default:
			// Unknown field names are ignored for forward compatibility.
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if eventType != "" || data != "" {
		return decode(eventType, data)
	}
	return nil, io.EOF
}

func decode(eventType, data string) (hub.Event, error) {
	if data == "" {
		return nil, fmt.Errorf("event %q has no data line", eventType)
	}
	var env hub.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if eventType != "" && env.Type != eventType {
		return nil, fmt.Errorf("event line %q does not match envelope type %q", eventType, env.Type)
	}
	return hub.Decode(env)
}

package ai

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// errStopStream is returned by an sseHandler to end reading without error.
var errStopStream = errors.New("ai: stop stream")

// sseHandler receives one server-sent event: its event name (may be empty)
// and its data payload with multi-line data joined by "\n".
type sseHandler func(event, data string) error

// readSSE parses a text/event-stream body and calls fn once per event.
// Comment lines and unknown fields are ignored.
func readSSE(r io.Reader, fn sseHandler) error {
	sc := bufio.NewScanner(r)
	// Search-result blocks can produce long single lines.
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var (
		event string
		data  []string
	)
	dispatch := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		err := fn(event, strings.Join(data, "\n"))
		event, data = "", data[:0]
		return err
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return stopOrErr(err)
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ai: read stream: %w", err)
	}
	// A body that ends without a trailing blank line still carries its last event.
	return stopOrErr(dispatch())
}

func stopOrErr(err error) error {
	if errors.Is(err, errStopStream) {
		return nil
	}
	return err
}

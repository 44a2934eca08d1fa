package claude

import (
	"bufio"
	"encoding/json"
	"io"
)

// DefaultBufferSize is the maximum size in bytes of a single stream-json line.
//
// Claude may emit large JSON objects, for example tool results carrying file
// contents, so the default is 10MB. A longer line stops [Parse] with an error.
const DefaultBufferSize = 10 * 1024 * 1024

// Parse reads Claude's stream-json output from r and passes each parsed [Event]
// to handle, in order, on the calling goroutine.
//
// Each line of r is expected to be one complete JSON object describing a
// [StreamEvent]. Parse converts it with [NewEventFromStream] before calling
// handle.
//
// Error handling behavior:
//   - Empty lines are silently skipped
//   - Lines that fail JSON parsing are silently skipped (partial or corrupted output)
//   - A line longer than bufferSize stops parsing and is reported as the error
//   - EOF ends parsing normally and Parse returns nil
//
// bufferSize <= 0 selects [DefaultBufferSize].
func Parse(r io.Reader, bufferSize int, handle func(Event)) error {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, bufferSize)), bufferSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw StreamEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			continue
		}
		handle(NewEventFromStream(&raw))
	}
	return scanner.Err()
}

// ParseSingle parses a single line of stream-json output into an [Event].
//
// Unlike [Parse], a malformed line is not skipped: the JSON decoding error is
// returned. This is useful for tests and for processing individual lines
// outside a stream.
func ParseSingle(line string) (Event, error) {
	var raw StreamEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, err
	}
	return NewEventFromStream(&raw), nil
}

package translate

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// errStopReading ends ReadSSE early without reporting an error.
var errStopReading = errors.New("stop reading")

// ReadSSE calls fn for every event in r. Multi-line data fields are joined
// with newlines, comments are skipped, and a trailing event without its
// blank line is still delivered.
func ReadSSE(r io.Reader, fn func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var (
		name      string
		dataLines [][]byte
	)
	flush := func() error {
		if len(dataLines) == 0 {
			name = ""
			return nil
		}
		raw := bytes.Join(dataLines, []byte("\n"))
		dataLines = dataLines[:0]
		ev := name
		name = ""
		return fn(ev, raw)
	}

	for scanner.Scan() {
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}
		switch string(field) {
		case "event":
			name = string(value)
		case "data":
			cp := make([]byte, len(value))
			copy(cp, value)
			dataLines = append(dataLines, cp)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

func isDoneMarker(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]"))
}

// TranslateStream pumps an upstream SSE body through dec and enc, handing
// every agent event to emit as soon as it is produced. It always produces
// exactly one terminal event unless emit itself fails.
func TranslateStream(r io.Reader, dec StreamDecoder, enc *StreamEncoder, emit func(SSEEvent) error) error {
	emitAll := func(evs []SSEEvent) error {
		for _, ev := range evs {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}

	var emitErr error
	readErr := ReadSSE(r, func(name string, data []byte) error {
		events, err := dec.Decode(name, data)
		if err != nil {
			if emitErr = emitAll(enc.Fail("api_error", err.Error())); emitErr != nil {
				return emitErr
			}
			return fmt.Errorf("translate upstream event: %w", err)
		}
		for _, ev := range events {
			if emitErr = emitAll(enc.Handle(ev)); emitErr != nil {
				return emitErr
			}
		}
		if enc.Done() {
			return errStopReading
		}
		return nil
	})
	if emitErr != nil {
		return emitErr
	}
	if readErr != nil && !errors.Is(readErr, errStopReading) {
		if err := emitAll(enc.Fail("api_error", "upstream stream interrupted: "+readErr.Error())); err != nil {
			return err
		}
		return readErr
	}
	return emitAll(enc.Close())
}

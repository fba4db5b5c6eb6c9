package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Decoder reads newline-delimited "data: <json>" frames from r. Comments and
// blank lines are skipped; the "[DONE]" sentinel (and a plain EOF) end the
// stream. Lines that fail to parse come back as Malformed frames so a single
// corrupt frame never aborts the run.
type Decoder struct {
	br   *bufio.Reader
	done bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{br: bufio.NewReader(r)}
}

// Next returns the next frame, or io.EOF once the stream is logically or
// physically finished.
func (d *Decoder) Next() (Frame, error) {
	if d.done {
		return Frame{}, io.EOF
	}
	for {
		line, err := d.br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Frame{}, err
		}
		atEOF := errors.Is(err, io.EOF)

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if atEOF {
				d.done = true
				return Frame{}, io.EOF
			}
			continue
		}

		// SSE comment / heartbeat.
		if strings.HasPrefix(line, ":") {
			if atEOF {
				d.done = true
				return Frame{}, io.EOF
			}
			continue
		}

		payload, ok := trimDataPrefix(line)
		if !ok {
			// Not a data line at all; surface as malformed so callers can log it.
			if atEOF {
				d.done = true
			}
			return Frame{Type: FrameMalformed, Raw: line}, nil
		}
		if payload == DoneSentinel {
			d.done = true
			return Frame{}, io.EOF
		}
		if atEOF {
			d.done = true
		}
		return ParseFrame(payload), nil
	}
}

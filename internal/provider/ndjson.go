package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// ndjsonDecoder reads newline-delimited JSON objects from a stream. Blank
// and malformed lines are skipped rather than failing the whole stream,
// since subprocess stdout may interleave diagnostic noise with protocol
// lines. It knows nothing about where the stream comes from, so the
// process lifecycle can be managed (and tested) separately.
type ndjsonDecoder struct {
	scanner *bufio.Scanner
	skipped int
}

func newNDJSONDecoder(r io.Reader) *ndjsonDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &ndjsonDecoder{scanner: sc}
}

// Next decodes the next well-formed line into v. It returns io.EOF once the
// stream is drained and the underlying read error if the stream breaks.
func (d *ndjsonDecoder) Next(v any) error {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			if len(line) > 0 {
				d.skipped++
			}
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			d.skipped++
			continue
		}
		return nil
	}
	if err := d.scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Skipped reports how many non-empty lines were discarded as malformed.
func (d *ndjsonDecoder) Skipped() int { return d.skipped }

package main

import (
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/jnesss/exitnotify/capture"
	"github.com/jnesss/exitnotify/process"
	"github.com/jnesss/exitnotify/record"
)

// replay decodes a capture file and writes one line per record to out.
// Cookies cannot be resolved offline, so modules print as cookie numbers.
func replay(path string, out io.Writer) (int, error) {
	r, err := capture.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	dec := record.NewDecoder()
	count := 0
	for {
		words, err := r.ReadWords(4096)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, err
		}

		dec.Write(words)
		for {
			rec, err := dec.Next()
			if err != nil {
				log.Printf("Warning: skipping malformed record: %v", err)
				continue
			}
			if rec == nil {
				break
			}
			count++
			fmt.Fprintln(out, process.FormatRecord(rec, nil))
		}
	}

	if err := dec.Finish(); err != nil {
		return count, err
	}
	if skipped := dec.Skipped(); skipped > 0 {
		log.Printf("Skipped %d words of malformed input", skipped)
	}
	return count, nil
}

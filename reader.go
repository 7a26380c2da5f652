package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/jnesss/exitnotify/binary"
	"github.com/jnesss/exitnotify/capture"
	"github.com/jnesss/exitnotify/database"
	"github.com/jnesss/exitnotify/notify"
	"github.com/jnesss/exitnotify/process"
	"github.com/jnesss/exitnotify/record"
	"github.com/jnesss/exitnotify/sigma"
)

// idleInterval is how often a stopped stream is checked for a restart.
const idleInterval = 500 * time.Millisecond

// WordReader is the consumer side of the event stream.
type WordReader interface {
	Read(ctx context.Context, max int) ([]uint64, error)
}

// Consumer drains the event stream and hands every decoded exit record
// to the configured sinks. Each sink is optional.
type Consumer struct {
	source  WordReader
	resolve func(uint64) (string, bool)
	decoder *record.Decoder
	clock   clock.Clock
	chunk   int

	db       *database.DB
	detector *sigma.Detector
	archive  *binary.Archive
	capture  *capture.Writer

	records   int
	draining  chan struct{}
	drainOnce sync.Once
}

// NewConsumer creates a consumer reading chunk words at a time from the
// notifier's buffer.
func NewConsumer(n *notify.Notifier, chunk int) *Consumer {
	return &Consumer{
		source:   n,
		resolve:  n.Cookies().Lookup,
		decoder:  record.NewDecoder(),
		clock:    clock.New(),
		chunk:    chunk,
		draining: make(chan struct{}),
	}
}

// Run reads until ctx is done or, after Drain, until end-of-stream.
// End-of-stream otherwise means capture was stopped; the consumer then
// waits for it to be restarted.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		words, err := c.source.Read(ctx, c.chunk)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, notify.ErrNotStarted):
			c.finish()
			if !c.idle(ctx) {
				return nil
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				c.finish()
				return nil
			}
			return err
		}

		c.consume(ctx, words)
	}
}

// Drain makes Run return once the buffered words are consumed.
func (c *Consumer) Drain() {
	c.drainOnce.Do(func() { close(c.draining) })
}

func (c *Consumer) idle(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.draining:
		return false
	case <-c.clock.After(idleInterval):
		return true
	}
}

// finish drops a partial frame left at end-of-stream.
func (c *Consumer) finish() {
	if err := c.decoder.Finish(); err != nil {
		log.Printf("Warning: discarding incomplete record: %v", err)
	}
	if c.capture != nil {
		if err := c.capture.Flush(); err != nil {
			log.Printf("Warning: capture flush failed: %v", err)
		}
	}
}

func (c *Consumer) consume(ctx context.Context, words []uint64) {
	if c.capture != nil {
		if err := c.capture.WriteWords(words); err != nil {
			log.Printf("Error writing capture: %v", err)
		}
	}

	c.decoder.Write(words)
	for {
		rec, err := c.decoder.Next()
		if err != nil {
			log.Printf("Warning: skipping malformed record: %v", err)
			continue
		}
		if rec == nil {
			return
		}
		c.handleRecord(ctx, rec)
	}
}

func (c *Consumer) handleRecord(ctx context.Context, rec *record.Record) {
	c.records++
	log.Print(process.FormatRecord(rec, c.resolve))

	if c.db == nil {
		return
	}

	exitID, err := c.db.InsertExit(c.exitRecord(rec))
	if err != nil {
		log.Printf("Error inserting exit record: %v", err)
		return
	}

	if c.detector == nil {
		return
	}
	for _, match := range c.detector.CheckRecord(ctx, rec, c.resolve) {
		if err := sigma.StoreMatch(c.db, exitID, rec, match); err != nil {
			log.Printf("Error storing sigma match: %v", err)
		}
	}
}

// exitRecord resolves cookies and archives modules for storage.
func (c *Consumer) exitRecord(rec *record.Record) *database.ExitRecord {
	ti := rec.Thread
	out := &database.ExitRecord{
		Timestamp:  ti.Now,
		TGID:       ti.TGID,
		PID:        ti.PID,
		StartTime:  ti.StartTime,
		UserTime:   ti.UserTime,
		SystemTime: ti.SystemTime,
		Modules:    make([]database.ModuleRecord, 0, len(rec.Modules)),
	}

	hashes := make(map[uint64]string)
	for _, m := range rec.Modules {
		mod := database.ModuleRecord{
			Start:          m.Start,
			End:            m.End,
			Flags:          m.Flags,
			Cookie:         m.Cookie,
			Offset:         m.Offset,
			MainExecutable: m.IsMainExecutable(),
		}
		if path, ok := c.resolve(m.Cookie); ok {
			mod.Path = path
			mod.Hash = c.archiveModule(hashes, m.Cookie, path)
		}
		if mod.MainExecutable && out.ExePath == "" {
			out.ExePath = mod.Path
		}
		out.Modules = append(out.Modules, mod)
	}
	return out
}

func (c *Consumer) archiveModule(hashes map[uint64]string, cookie uint64, path string) string {
	if c.archive == nil {
		return ""
	}
	if hash, ok := hashes[cookie]; ok {
		return hash
	}
	hash, err := c.archive.Store(path)
	if err != nil {
		log.Debugf("Archiving %s failed: %v", path, err)
	}
	hashes[cookie] = hash
	return hash
}

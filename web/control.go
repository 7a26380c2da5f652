package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/jnesss/exitnotify/notify"
	"github.com/jnesss/exitnotify/record"
	"github.com/jnesss/exitnotify/types"
)

// maxValueLen is the longest value a control write accepts.
const maxValueLen = 49

// DefaultReadWords is the /buffer read size when max is not given.
const DefaultReadWords = 4096

func writeValue(w http.ResponseWriter, v int64) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%d\n", v)
}

func boolValue(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// readValue parses a control write: one integer in C notation (decimal,
// 0x hex or 0 octal) with surrounding whitespace ignored.
func readValue(r *http.Request) (int64, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxValueLen+1))
	if err != nil {
		return 0, err
	}
	if len(body) > maxValueLen {
		return 0, fmt.Errorf("value longer than %d characters", maxValueLen)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(body)), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value: %w", err)
	}
	return v, nil
}

// controlError maps notifier errors to status codes.
func controlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notify.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, notify.ErrInvalidWatermark):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, notify.ErrNotStarted):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, notify.ErrAllocationFailed):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleEnableGet(w http.ResponseWriter, r *http.Request) {
	writeValue(w, boolValue(s.notifier.Enabled()))
}

func (s *Server) handleEnablePut(w http.ResponseWriter, r *http.Request) {
	v, err := readValue(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if v != 0 {
		if err := s.notifier.Start(); err != nil {
			log.Printf("Enable failed: %v", err)
			controlError(w, err)
			return
		}
	} else {
		s.notifier.Stop()
	}
	writeValue(w, boolValue(s.notifier.Enabled()))
}

func (s *Server) handleDebugGet(w http.ResponseWriter, r *http.Request) {
	writeValue(w, boolValue(s.notifier.Debug()))
}

func (s *Server) handleDebugPut(w http.ResponseWriter, r *http.Request) {
	v, err := readValue(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.notifier.SetDebug(v != 0)
	writeValue(w, boolValue(s.notifier.Debug()))
}

func (s *Server) handleBufferSizeGet(w http.ResponseWriter, r *http.Request) {
	writeValue(w, int64(s.notifier.BufferSize()))
}

func (s *Server) handleBufferSizePut(w http.ResponseWriter, r *http.Request) {
	s.handleGeometryPut(w, r, s.notifier.SetBufferSize, s.notifier.BufferSize)
}

func (s *Server) handleWatermarkGet(w http.ResponseWriter, r *http.Request) {
	writeValue(w, int64(s.notifier.Watermark()))
}

func (s *Server) handleWatermarkPut(w http.ResponseWriter, r *http.Request) {
	s.handleGeometryPut(w, r, s.notifier.SetWatermark, s.notifier.Watermark)
}

func (s *Server) handleGeometryPut(w http.ResponseWriter, r *http.Request, set func(int) error, get func() int) {
	v, err := readValue(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if v <= 0 || v > int64(^uint32(0)) {
		http.Error(w, fmt.Sprintf("value %d out of range", v), http.StatusBadRequest)
		return
	}
	if err := set(int(v)); err != nil {
		controlError(w, err)
		return
	}
	writeValue(w, int64(get()))
}

func (s *Server) handlePointerSize(w http.ResponseWriter, r *http.Request) {
	writeValue(w, types.WordSize)
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	v, ok := s.notifier.Stats().Lookup(name)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown counter %q", name), http.StatusNotFound)
		return
	}
	writeValue(w, int64(v))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.notifier.Stats())
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	if err := s.notifier.ResetStats(); err != nil {
		controlError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBuffer hands raw little-endian words to an external reader. It
// blocks like a read of the character device until data is available.
// Only one request may read at a time so frames are never split between
// clients.
func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	if s.readerOwned {
		http.Error(w, "buffer is drained by the in-process consumer", http.StatusConflict)
		return
	}
	if !s.reading.CompareAndSwap(false, true) {
		http.Error(w, "buffer already has a reader", http.StatusConflict)
		return
	}
	defer s.reading.Store(false)

	max := DefaultReadWords
	if q := r.URL.Query().Get("max"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			http.Error(w, "max must be a positive word count", http.StatusBadRequest)
			return
		}
		max = v
	}

	words, err := s.notifier.Read(r.Context(), max)
	if errors.Is(err, io.EOF) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		controlError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Word-Count", strconv.Itoa(len(words)))
	if _, err := w.Write(record.Bytes(words)); err != nil {
		log.Debugf("Buffer read client went away: %v", err)
	}
}

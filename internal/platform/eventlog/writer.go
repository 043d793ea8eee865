package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Writer is the single-writer append-only NDJSON sink: callers enqueue
// on a buffered channel and never block on disk I/O beyond that. Daily
// rotation is supported via a date-suffixed filename
// (`logs/<name>[_YYYY-MM-DD].ndjson`).
type Writer struct {
	log      zerolog.Logger
	dir      string
	baseName string
	rotate   bool

	pending chan Event
	done    chan struct{}
	wg      sync.WaitGroup

	mu           sync.Mutex
	file         *os.File
	currentDate  string
	writeFailing bool
}

// NewWriter opens (or creates) the log directory and starts the writer
// goroutine. An unwritable log path is a fatal error and must fail
// startup fast rather than be swallowed.
func NewWriter(log zerolog.Logger, dir, baseName string, rotate bool, bufferSize int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: cannot create log dir %s: %w", dir, err)
	}
	w := &Writer{
		log:      log.With().Str("component", "eventlog_writer").Logger(),
		dir:      dir,
		baseName: baseName,
		rotate:   rotate,
		pending:  make(chan Event, bufferSize),
		done:     make(chan struct{}),
	}
	if err := w.openForDate(time.Now().UTC()); err != nil {
		return nil, err
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Writer) filenameFor(date time.Time) string {
	if !w.rotate {
		return filepath.Join(w.dir, w.baseName+".ndjson")
	}
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.ndjson", w.baseName, date.Format("2006-01-02")))
}

func (w *Writer) openForDate(date time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
	}
	path := w.filenameFor(date)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: cannot open %s: %w", path, err)
	}
	w.file = f
	w.currentDate = date.Format("2006-01-02")
	return nil
}

// Enqueue never blocks on disk I/O; if the buffer is full the event is
// dropped and a warning is logged, since the log must never block the
// caller's own processing.
func (w *Writer) Enqueue(e Event) {
	select {
	case w.pending <- e:
	default:
		w.log.Warn().Msg("event log buffer full, dropping event")
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.pending:
			w.write(e)
		case <-w.done:
			for {
				select {
				case e := <-w.pending:
					w.write(e)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(e Event) {
	if w.rotate {
		today := e.Timestamp.UTC().Format("2006-01-02")
		w.mu.Lock()
		needsRotate := today != w.currentDate
		w.mu.Unlock()
		if needsRotate {
			if err := w.openForDate(e.Timestamp.UTC()); err != nil {
				w.log.Error().Err(err).Msg("failed to rotate event log")
			}
		}
	}

	line, err := json.Marshal(e)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to marshal event for log")
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	if _, err := w.file.Write(line); err != nil {
		if !w.writeFailing {
			w.log.Error().Err(err).Msg("event log write failed, continuing in-memory only")
			w.writeFailing = true
		}
		return
	}
	w.writeFailing = false
}

// Close stops accepting new events, drains pending ones, and closes the
// file handle. Used during graceful shutdown.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// Package journal records every processed command line asynchronously to SQLite,
// JSONL and/or CSV. It is an audit trail only; nothing is read back into device
// state.
package journal

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"device-simulator/internal/logging"
	"device-simulator/internal/model"
)

var (
	ErrQueueFull = errors.New("journal queue full")
	ErrClosed    = errors.New("journal closed")
)

const (
	dbFile    = "journal.sqlite"
	jsonlFile = "journal.jsonl"
	csvFile   = "journal.csv"
)

var csvHeader = []string{"timestamp", "session_id", "remote", "device", "port", "line", "operation", "output", "error_kind", "error"}

// Journal writes records from a bounded queue on a background goroutine.
type Journal struct {
	dir string
	log *logging.Logger
	q   chan model.CommandRecord

	db *DB

	jsonFile   *os.File
	jsonWriter *bufio.Writer

	csvFile   *os.File
	csvWriter *csv.Writer

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// ParseFileType splits a file_type such as "db+jsonl" into enabled sinks.
func ParseFileType(fileType string) (db, jsonl, csvOut bool, err error) {
	ft := strings.ToLower(strings.TrimSpace(fileType))
	if ft == "" || ft == "all" {
		return true, true, true, nil
	}
	for _, part := range strings.Split(ft, "+") {
		switch strings.TrimSpace(part) {
		case "db", "sqlite":
			db = true
		case "json", "jsonl":
			jsonl = true
		case "csv":
			csvOut = true
		default:
			return false, false, false, fmt.Errorf("unsupported journal file_type %q", fileType)
		}
	}
	return db, jsonl, csvOut, nil
}

// Open creates dir, opens the requested sinks and starts the writer.
func Open(dir, fileType string, maxQueue int, log *logging.Logger) (*Journal, error) {
	useDB, useJSON, useCSV, err := ParseFileType(fileType)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	if log == nil {
		log = logging.Discard()
	}

	j := &Journal{
		dir:  dir,
		log:  log,
		q:    make(chan model.CommandRecord, maxQueue),
		done: make(chan struct{}),
	}

	if useDB {
		db, err := OpenDB(filepath.Join(dir, dbFile))
		if err != nil {
			return nil, err
		}
		j.db = db
	}
	if useJSON {
		f, err := os.OpenFile(filepath.Join(dir, jsonlFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			j.closeSinks()
			return nil, fmt.Errorf("open jsonl output: %w", err)
		}
		j.jsonFile = f
		j.jsonWriter = bufio.NewWriterSize(f, 64*1024)
	}
	if useCSV {
		if err := j.openCSV(); err != nil {
			j.closeSinks()
			return nil, err
		}
	}

	go j.run()
	return j, nil
}

func (j *Journal) openCSV() error {
	f, err := os.OpenFile(filepath.Join(j.dir, csvFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open csv output: %w", err)
	}
	j.csvFile = f
	j.csvWriter = csv.NewWriter(f)
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		if err := j.csvWriter.Write(csvHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		j.csvWriter.Flush()
		return j.csvWriter.Error()
	}
	return nil
}

// Dropped reports how many records were rejected because the queue was full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Handle queues r without blocking.
func (j *Journal) Handle(r model.CommandRecord) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	select {
	case j.q <- r:
		return nil
	default:
		j.dropped.Add(1)
		return ErrQueueFull
	}
}

// Close drains the queue, flushes every sink and closes the files.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.q)
		j.mu.Unlock()
		<-j.done
		err = j.closeSinks()
	})
	return err
}

func (j *Journal) run() {
	defer close(j.done)
	for r := range j.q {
		if j.db != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := j.db.Insert(ctx, r); err != nil {
				j.log.Warn("journal insert failed", "error", err)
			}
			cancel()
		}
		if j.jsonWriter != nil {
			if err := j.writeJSONL(r); err != nil {
				j.log.Warn("journal jsonl write failed", "error", err)
			}
		}
		if j.csvWriter != nil {
			if err := j.writeCSV(r); err != nil {
				j.log.Warn("journal csv write failed", "error", err)
			}
		}
		if len(j.q) == 0 {
			j.flush()
		}
	}
	j.flush()
}

func (j *Journal) flush() {
	if j.jsonWriter != nil {
		_ = j.jsonWriter.Flush()
	}
	if j.csvWriter != nil {
		j.csvWriter.Flush()
	}
}

func (j *Journal) closeSinks() error {
	var errs []error
	if j.db != nil {
		errs = append(errs, j.db.Close())
	}
	if j.jsonFile != nil {
		errs = append(errs, j.jsonFile.Close())
	}
	if j.csvFile != nil {
		errs = append(errs, j.csvFile.Close())
	}
	return errors.Join(errs...)
}

func (j *Journal) writeJSONL(r model.CommandRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := j.jsonWriter.Write(b); err != nil {
		return err
	}
	return j.jsonWriter.WriteByte('\n')
}

func (j *Journal) writeCSV(r model.CommandRecord) error {
	return j.csvWriter.Write(Row(r))
}

// Row flattens r into the journal's CSV column order.
func Row(r model.CommandRecord) []string {
	return []string{
		r.Timestamp.Format(time.RFC3339Nano),
		r.SessionID,
		r.Remote,
		r.Device,
		strconv.Itoa(r.Port),
		r.Line,
		r.Operation,
		r.Output,
		r.ErrorKind,
		r.Error,
	}
}

// Header returns the CSV column names matching Row.
func Header() []string { return append([]string(nil), csvHeader...) }

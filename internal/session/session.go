// Package session tracks open client connections and the device each one is bound to.
package session

import (
	"bytes"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"device-simulator/internal/device"
)

type State int

const (
	Accepted State = iota
	AwaitingCommand
	Closed
)

func (s State) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case AwaitingCommand:
		return "awaiting_command"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one accepted connection. Device is a back-reference fixed at accept
// time; the session does not own it.
type Session struct {
	ID          string
	Conn        net.Conn
	Port        int
	Device      *device.Device
	State       State
	ConnectedAt time.Time
	Commands    int

	pending []byte
}

func New(conn net.Conn, port int, dev *device.Device) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Conn:        conn,
		Port:        port,
		Device:      dev,
		State:       Accepted,
		ConnectedAt: time.Now(),
	}
}

func (s *Session) RemoteAddr() string {
	if s.Conn == nil || s.Conn.RemoteAddr() == nil {
		return ""
	}
	return s.Conn.RemoteAddr().String()
}

// Feed appends data to the receive buffer and returns every complete
// newline-terminated line, trimmed of terminators and surrounding whitespace.
// Blank lines come back as "". When more than limit bytes accumulate without a
// newline they are returned as one line.
func (s *Session) Feed(data []byte, limit int) []string {
	s.pending = append(s.pending, data...)
	var lines []string
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimSpace(string(s.pending[:i])))
		s.pending = s.pending[i+1:]
	}
	if limit > 0 && len(s.pending) > limit {
		lines = append(lines, strings.TrimSpace(string(s.pending)))
		s.pending = nil
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return lines
}

// Rest returns and clears unterminated input left in the buffer. Whitespace-only
// leftovers are discarded.
func (s *Session) Rest() (string, bool) {
	rest := strings.TrimSpace(string(s.pending))
	s.pending = nil
	return rest, rest != ""
}

// Close moves the session to Closed and releases its socket. It reports whether
// this call performed the transition; later calls are no-ops.
func (s *Session) Close() (bool, error) {
	if s.State == Closed {
		return false, nil
	}
	s.State = Closed
	if s.Conn == nil {
		return true, nil
	}
	return true, s.Conn.Close()
}

// Table is the connection table. It is owned by the event loop and not safe for
// concurrent use.
type Table struct {
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

func (t *Table) Add(s *Session) { t.sessions[s.ID] = s }

func (t *Table) Get(id string) (*Session, bool) {
	s, ok := t.sessions[id]
	return s, ok
}

// Remove drops the session from the table and returns it.
func (t *Table) Remove(id string) (*Session, bool) {
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	return s, ok
}

func (t *Table) Len() int { return len(t.sessions) }

// CountByPort returns the number of open sessions per port.
func (t *Table) CountByPort() map[int]int {
	out := make(map[int]int)
	for _, s := range t.sessions {
		out[s.Port]++
	}
	return out
}

// All returns the open sessions ordered by connect time.
func (t *Table) All() []*Session {
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

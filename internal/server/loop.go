// Package server runs the event loop that multiplexes every device listener and
// client session.
//
// Listener and reader goroutines only perform socket I/O and post events on a
// single channel. The loop goroutine consumes that channel and is the only code
// that touches device state and the connection table, so command processing is
// serialized across all sessions in the order events arrive.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"device-simulator/internal/command"
	"device-simulator/internal/device"
	"device-simulator/internal/logging"
	"device-simulator/internal/model"
	"device-simulator/internal/schema"
	"device-simulator/internal/session"
)

// LineEndingNone disables the terminator appended to every server write.
const LineEndingNone = "none"

// Options configures session handling. An empty LineEnding means "\r\n".
type Options struct {
	ListenHost    string
	LineEnding    string
	CloseOnError  bool
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	ReadBuffer    int
	MaxLineLength int
}

// Result describes one processed command line. Observers receive it on the loop
// goroutine and must not block.
type Result struct {
	Time       time.Time
	SessionID  string
	Remote     string
	Device     string
	Port       int
	Invocation command.Invocation
}

// Record converts r to its journal form.
func (r Result) Record() model.CommandRecord {
	rec := model.CommandRecord{
		Timestamp: r.Time,
		SessionID: r.SessionID,
		Remote:    r.Remote,
		Device:    r.Device,
		Port:      r.Port,
		Line:      r.Invocation.Line,
		Operation: "none",
		Output:    r.Invocation.Output,
		ErrorKind: command.ErrorKind(r.Invocation.Err),
	}
	if r.Invocation.Command != nil {
		rec.Operation = r.Invocation.Command.Op.String()
	}
	if r.Invocation.Err != nil {
		rec.Error = r.Invocation.Err.Error()
	}
	return rec
}

type (
	CommandObserver func(Result)
	ChangeObserver  func(model.StateChange)
)

type Option func(*Loop)

func WithLogger(log *logging.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// WithCommandObserver registers fn for every processed command line.
func WithCommandObserver(fn CommandObserver) Option {
	return func(l *Loop) { l.onCommand = append(l.onCommand, fn) }
}

// WithChangeObserver registers fn for every successful status variable update.
func WithChangeObserver(fn ChangeObserver) Option {
	return func(l *Loop) { l.onChange = append(l.onChange, fn) }
}

type eventKind int

const (
	evAccept eventKind = iota
	evData
	evClosed
	evCall
)

type event struct {
	kind eventKind
	port int
	conn net.Conn
	sess *session.Session
	data []byte
	err  error
	fn   func()
	done chan struct{}
}

// Loop owns the listeners, the per-port devices and the connection table.
type Loop struct {
	opts Options
	reg  *schema.Registry
	log  *logging.Logger

	devices map[int]*device.Device
	table   *session.Table

	onCommand []CommandObserver
	onChange  []ChangeObserver

	events    chan event
	quit      chan struct{}
	ready     chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	wg        sync.WaitGroup

	mu        sync.Mutex
	listeners map[int]net.Listener
}

// New creates one device per registered port. Nothing listens until Run.
func New(opts Options, reg *schema.Registry, options ...Option) *Loop {
	if opts.ListenHost == "" {
		opts.ListenHost = "127.0.0.1"
	}
	switch opts.LineEnding {
	case "":
		opts.LineEnding = "\r\n"
	case LineEndingNone:
		opts.LineEnding = ""
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = 1024
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = 4096
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	l := &Loop{
		opts:      opts,
		reg:       reg,
		log:       logging.Discard(),
		devices:   make(map[int]*device.Device, reg.Len()),
		table:     session.NewTable(),
		events:    make(chan event),
		quit:      make(chan struct{}),
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
		listeners: make(map[int]net.Listener, reg.Len()),
	}
	for _, o := range options {
		o(l)
	}
	for _, dt := range reg.Types() {
		l.devices[dt.Port] = device.New(dt)
	}
	return l
}

// Ready is closed once every listener is bound.
func (l *Loop) Ready() <-chan struct{} { return l.ready }

// Addr returns the bound address of the listener for port.
func (l *Loop) Addr(port int) (net.Addr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.listeners[port]
	if !ok {
		return nil, false
	}
	return ln.Addr(), true
}

// Run binds one listener per registered port and processes events until ctx is
// canceled or Close is called. A port that cannot be bound aborts startup.
func (l *Loop) Run(ctx context.Context) error {
	if l.running.Swap(true) {
		return ErrAlreadyRunning
	}
	defer close(l.stopped)

	if err := l.listen(ctx); err != nil {
		l.closeOnce.Do(func() { close(l.quit) })
		l.shutdown()
		return err
	}
	close(l.ready)

	for {
		select {
		case <-ctx.Done():
			l.closeOnce.Do(func() { close(l.quit) })
			l.shutdown()
			return nil
		case <-l.quit:
			l.shutdown()
			return nil
		case ev := <-l.events:
			l.handle(ev)
		}
	}
}

// Close stops the loop and waits for it to release every socket.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.quit) })
	if l.running.Load() {
		<-l.stopped
	}
}

func (l *Loop) listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	for _, dt := range l.reg.Types() {
		addr := net.JoinHostPort(l.opts.ListenHost, strconv.Itoa(dt.Port))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s for %s: %w", addr, dt.Name, err)
		}
		l.mu.Lock()
		l.listeners[dt.Port] = ln
		l.mu.Unlock()
		l.log.Info("listening", "device", dt.Name, "address", ln.Addr().String())

		l.wg.Add(1)
		go l.acceptLoop(ln, dt.Port)
	}
	return nil
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	for port, ln := range l.listeners {
		_ = ln.Close()
		delete(l.listeners, port)
	}
	l.mu.Unlock()

	for _, s := range l.table.All() {
		l.closeSession(s, "shutdown")
	}
	l.wg.Wait()
	l.log.Info("event loop stopped")
}

// post hands ev to the loop goroutine. It reports false once the loop is closing.
func (l *Loop) post(ev event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.quit:
		return false
	}
}

func (l *Loop) acceptLoop(ln net.Listener, port int) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("accept failed", "port", port, "error", err)
			continue
		}
		if !l.post(event{kind: evAccept, port: port, conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

// readLoop waits until each chunk it posted has been fully handled before it
// reads again, so a session never has more than one chunk in flight.
func (l *Loop) readLoop(s *session.Session) {
	defer l.wg.Done()
	buf := make([]byte, l.opts.ReadBuffer)
	for {
		if l.opts.IdleTimeout > 0 {
			_ = s.Conn.SetReadDeadline(time.Now().Add(l.opts.IdleTimeout))
		}
		n, err := s.Conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			done := make(chan struct{})
			if !l.post(event{kind: evData, sess: s, data: data, done: done}) {
				return
			}
			select {
			case <-done:
			case <-l.quit:
				return
			}
		}
		if err != nil {
			l.post(event{kind: evClosed, sess: s, err: err})
			return
		}
	}
}

func (l *Loop) handle(ev event) {
	switch ev.kind {
	case evAccept:
		l.handleAccept(ev.conn, ev.port)
	case evData:
		l.handleData(ev.sess, ev.data)
		close(ev.done)
	case evClosed:
		l.handleClosed(ev.sess, ev.err)
	case evCall:
		ev.fn()
		close(ev.done)
	}
}

func (l *Loop) handleAccept(conn net.Conn, port int) {
	dt, err := l.reg.Lookup(port)
	if err != nil {
		l.log.Error("rejecting connection", "port", port, "error", err)
		_ = conn.Close()
		return
	}
	s := session.New(conn, port, l.devices[port])
	l.table.Add(s)
	l.log.Info("session opened", "session", s.ID, "device", dt.Name, "port", port,
		"remote", s.RemoteAddr(), "open_sessions", l.table.Len())

	greeting := fmt.Sprintf("Connected to %s on port %d", dt.Name, port)
	if err := l.write(s, greeting); err != nil {
		l.log.Warn("greeting failed", "session", s.ID, "error", err)
		l.closeSession(s, "write error")
		return
	}
	s.State = session.AwaitingCommand

	l.wg.Add(1)
	go l.readLoop(s)
}

// handleData runs every complete line in data. Bytes after the last newline
// wait in the session buffer for the next read.
func (l *Loop) handleData(s *session.Session, data []byte) {
	if s.State != session.AwaitingCommand {
		return
	}
	for _, line := range s.Feed(data, l.opts.MaxLineLength) {
		if !l.runLine(s, line) {
			return
		}
	}
}

// runLine executes one command line and writes its response. It reports false
// once the session has been closed.
func (l *Loop) runLine(s *session.Session, line string) bool {
	inv := command.Execute(s.Device, line)
	s.Commands++
	l.observe(s, inv)

	response := inv.Output
	if inv.Err != nil {
		response = FormatError(inv.Err)
		l.log.Debug("command failed", "session", s.ID, "line", inv.Line, "error", inv.Err)
	}
	if err := l.write(s, response); err != nil {
		l.log.Warn("write failed", "session", s.ID, "error", err)
		l.closeSession(s, "write error")
		return false
	}
	if inv.Err != nil && l.opts.CloseOnError {
		l.closeSession(s, command.ErrorKind(inv.Err))
		return false
	}
	return true
}

func (l *Loop) handleClosed(s *session.Session, err error) {
	if _, ok := l.table.Get(s.ID); !ok {
		return
	}
	reason := "peer closed"
	switch {
	case err == nil, errors.Is(err, io.EOF):
		// a final line sent without a newline before the peer half-closed
		if line, ok := s.Rest(); ok && !l.runLine(s, line) {
			return
		}
	case errors.Is(err, os.ErrDeadlineExceeded):
		reason = "idle timeout"
	default:
		reason = "read error"
		l.log.Warn("read failed", "session", s.ID, "error", err)
	}
	l.closeSession(s, reason)
}

// closeSession removes s from the connection table and releases its socket once.
func (l *Loop) closeSession(s *session.Session, reason string) {
	l.table.Remove(s.ID)
	closed, err := s.Close()
	if !closed {
		return
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		l.log.Debug("close failed", "session", s.ID, "error", err)
	}
	l.log.Info("session closed", "session", s.ID, "port", s.Port, "reason", reason,
		"commands", s.Commands, "open_sessions", l.table.Len())
}

func (l *Loop) write(s *session.Session, text string) error {
	_ = s.Conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
	_, err := io.WriteString(s.Conn, text+l.opts.LineEnding)
	return err
}

func (l *Loop) observe(s *session.Session, inv command.Invocation) {
	now := time.Now()
	if len(l.onCommand) > 0 {
		r := Result{
			Time:       now,
			SessionID:  s.ID,
			Remote:     s.RemoteAddr(),
			Device:     s.Device.Name(),
			Port:       s.Port,
			Invocation: inv,
		}
		for _, fn := range l.onCommand {
			fn(r)
		}
	}
	if inv.Applied && inv.Command.Op.Kind == schema.OpSet {
		l.changed(model.StateChange{
			Device:    s.Device.Name(),
			Port:      s.Port,
			Variable:  inv.Command.Op.Variable,
			Value:     inv.Command.Op.Value,
			Source:    "session",
			SessionID: s.ID,
			Timestamp: now,
		})
	}
}

func (l *Loop) changed(c model.StateChange) {
	for _, fn := range l.onChange {
		fn(c)
	}
}

// FormatError renders a per-command error as sent to the client.
func FormatError(err error) string {
	return fmt.Sprintf("ERROR %s: %s", command.ErrorKind(err), err.Error())
}

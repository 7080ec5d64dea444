package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-simulator/internal/model"
	"device-simulator/internal/schema"
)

const testSchema = `
device_types:
  - name: Lamp
    port: %d
    status_variables:
      power: {valid_values: ["on", "off"]}
    valid_commands:
      - {input: "POWER ON", function: set, parameters: [power, "on"], output: "OK power={power}"}
      - {input: "POWER OFF", function: set, parameters: [power, "off"], output: "OK power={power}"}
      - {input: "POWER?", output: "power={power}"}
  - name: Projector
    port: %d
    status_variables:
      power: {valid_values: ["on", "off"], value: "off"}
    valid_commands:
      - {input: "POWER ON", function: set, parameters: [power, "on"], output: "OK power={power}"}
      - {input: "POWER?", output: "power={power}"}
`

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, 0, n)
	var lns []net.Listener
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		lns = append(lns, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range lns {
		require.NoError(t, ln.Close())
	}
	return ports
}

type harness struct {
	loop      *Loop
	lamp      int
	projector int

	mu      sync.Mutex
	results []Result
	changes []model.StateChange
}

func start(t *testing.T, opts Options) *harness {
	t.Helper()
	ports := freePorts(t, 2)
	types, err := schema.Parse([]byte(fmt.Sprintf(testSchema, ports[0], ports[1])))
	require.NoError(t, err)
	reg, err := schema.NewRegistry(types)
	require.NoError(t, err)

	h := &harness{lamp: ports[0], projector: ports[1]}
	h.loop = New(opts, reg,
		WithCommandObserver(func(r Result) {
			h.mu.Lock()
			h.results = append(h.results, r)
			h.mu.Unlock()
		}),
		WithChangeObserver(func(c model.StateChange) {
			h.mu.Lock()
			h.changes = append(h.changes, c)
			h.mu.Unlock()
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})

	select {
	case <-h.loop.Ready():
	case err := <-errCh:
		t.Fatalf("loop exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not become ready")
	}
	return h
}

func (h *harness) sessions(t *testing.T) map[int]int {
	t.Helper()
	snaps, err := h.loop.Snapshot(context.Background())
	require.NoError(t, err)
	out := make(map[int]int, len(snaps))
	for _, s := range snaps {
		out[s.Port] = s.Sessions
	}
	return out
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, port int) (*client, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &client{t: t, conn: conn, r: bufio.NewReader(conn)}
	return c, c.readLine()
}

func (c *client) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (c *client) send(line string) string {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
	return c.readLine()
}

func TestLampScenario(t *testing.T) {
	h := start(t, Options{})
	c, greeting := dial(t, h.lamp)
	assert.Equal(t, fmt.Sprintf("Connected to Lamp on port %d", h.lamp), greeting)

	resp := c.send("POWER?")
	assert.True(t, strings.HasPrefix(resp, "ERROR UnsetVariableError:"), resp)

	assert.Equal(t, "OK power=on", c.send("POWER ON"))
	assert.Equal(t, "power=on", c.send("POWER?"))
}

func TestInvalidCommandKeepsSessionOpen(t *testing.T) {
	h := start(t, Options{})
	c, _ := dial(t, h.lamp)

	resp := c.send("DANCE")
	assert.Equal(t, "ERROR InvalidCommandError: invalid command: 'DANCE'", resp)
	assert.Equal(t, "OK power=off", c.send("POWER OFF"))

	snaps, err := h.loop.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"power": "off"}, snaps[0].Values)
}

func TestCloseOnError(t *testing.T) {
	h := start(t, Options{CloseOnError: true})
	c, _ := dial(t, h.lamp)
	other, _ := dial(t, h.lamp)

	resp := c.send("DANCE")
	assert.Contains(t, resp, "InvalidCommandError")

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err, "faulting session must be closed")

	assert.Equal(t, "OK power=on", other.send("POWER ON"), "other sessions are unaffected")
}

func TestSharedStateAcrossSessions(t *testing.T) {
	h := start(t, Options{})
	a, _ := dial(t, h.lamp)
	b, _ := dial(t, h.lamp)

	assert.Equal(t, "OK power=on", a.send("POWER ON"))
	assert.Equal(t, "power=on", b.send("POWER?"))
	assert.Equal(t, "OK power=off", b.send("POWER OFF"))
	assert.Equal(t, "power=off", a.send("POWER?"))
}

func TestStateIsolatedAcrossPorts(t *testing.T) {
	h := start(t, Options{})
	lamp, _ := dial(t, h.lamp)
	projector, greeting := dial(t, h.projector)
	assert.Contains(t, greeting, "Projector")

	assert.Equal(t, "OK power=on", lamp.send("POWER ON"))
	assert.Equal(t, "power=off", projector.send("POWER?"))
}

func TestInterleavedWritesLastWins(t *testing.T) {
	h := start(t, Options{})
	a, _ := dial(t, h.lamp)
	b, _ := dial(t, h.lamp)

	var wg sync.WaitGroup
	for i, c := range []*client{a, b} {
		wg.Add(1)
		go func(c *client, cmd string) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := c.conn.Write([]byte(cmd + "\n"))
				if err != nil {
					return
				}
				if _, err := c.r.ReadString('\n'); err != nil {
					return
				}
			}
		}(c, []string{"POWER ON", "POWER OFF"}[i])
	}
	wg.Wait()

	h.mu.Lock()
	results := append([]Result(nil), h.results...)
	h.mu.Unlock()
	require.Len(t, results, 40)
	for _, r := range results {
		require.NoError(t, r.Invocation.Err)
	}

	last := results[len(results)-1].Invocation.Command.Op.Value
	snaps, err := h.loop.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, last, snaps[0].Values["power"], "final state is the last write in processing order")
}

func TestPeerClose(t *testing.T) {
	h := start(t, Options{})
	a, _ := dial(t, h.lamp)
	b, _ := dial(t, h.lamp)
	p, _ := dial(t, h.projector)

	require.Eventually(t, func() bool { return h.sessions(t)[h.lamp] == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool { return h.sessions(t)[h.lamp] == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "OK power=on", b.send("POWER ON"))
	assert.Equal(t, "power=off", p.send("POWER?"))

	c, greeting := dial(t, h.lamp)
	assert.Contains(t, greeting, "Lamp")
	assert.Equal(t, "power=on", c.send("POWER?"))
}

func TestIdleTimeout(t *testing.T) {
	h := start(t, Options{IdleTimeout: 100 * time.Millisecond})
	c, _ := dial(t, h.lamp)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err)
	require.Eventually(t, func() bool { return h.sessions(t)[h.lamp] == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMultipleLinesInOneWrite(t *testing.T) {
	h := start(t, Options{})
	c, _ := dial(t, h.lamp)

	_, err := c.conn.Write([]byte("POWER ON\r\nPOWER?\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK power=on", c.readLine())
	assert.Equal(t, "power=on", c.readLine())
	assert.Equal(t, "ERROR InvalidCommandError: invalid command: ''", c.readLine())
}

func TestBlankLineReportsInvalidCommand(t *testing.T) {
	h := start(t, Options{})
	c, _ := dial(t, h.lamp)

	assert.Equal(t, "ERROR InvalidCommandError: invalid command: ''", c.send(""))
	assert.Equal(t, "OK power=on", c.send("POWER ON"))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.results, 2)
	assert.Equal(t, "", h.results[0].Invocation.Line)
	assert.Equal(t, "InvalidCommandError", h.results[0].Record().ErrorKind)
}

func TestCommandSplitAcrossWrites(t *testing.T) {
	h := start(t, Options{})
	c, _ := dial(t, h.lamp)

	_, err := c.conn.Write([]byte("POWE"))
	require.NoError(t, err)
	// the fragment must not be answered on its own
	require.Never(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.results) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	_, err = c.conn.Write([]byte("R ON\r"))
	require.NoError(t, err)
	_, err = c.conn.Write([]byte("\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK power=on", c.readLine())
}

func TestUnterminatedLineRunsOnHalfClose(t *testing.T) {
	h := start(t, Options{})
	c, _ := dial(t, h.lamp)

	_, err := c.conn.Write([]byte("POWER ON"))
	require.NoError(t, err)
	require.NoError(t, c.conn.(*net.TCPConn).CloseWrite())
	assert.Equal(t, "OK power=on", c.readLine())
	require.Eventually(t, func() bool { return h.sessions(t)[h.lamp] == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOverlongLineIsCut(t *testing.T) {
	h := start(t, Options{MaxLineLength: 16})
	c, _ := dial(t, h.lamp)

	_, err := c.conn.Write([]byte(strings.Repeat("X", 20)))
	require.NoError(t, err)
	assert.Contains(t, c.readLine(), "InvalidCommandError")
	assert.Equal(t, "OK power=on", c.send("POWER ON"))
}

func TestObservers(t *testing.T) {
	h := start(t, Options{})
	c, _ := dial(t, h.lamp)
	c.send("POWER ON")
	c.send("NOPE")

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.results, 2)
	rec := h.results[0].Record()
	assert.Equal(t, "Lamp", rec.Device)
	assert.Equal(t, "POWER ON", rec.Line)
	assert.Equal(t, "set(power, on)", rec.Operation)
	assert.Equal(t, "OK power=on", rec.Output)
	assert.Empty(t, rec.ErrorKind)

	rec = h.results[1].Record()
	assert.Equal(t, "InvalidCommandError", rec.ErrorKind)
	assert.Equal(t, "none", rec.Operation)

	require.Len(t, h.changes, 1)
	assert.Equal(t, "power", h.changes[0].Variable)
	assert.Equal(t, "on", h.changes[0].Value)
	assert.Equal(t, "session", h.changes[0].Source)
}

func TestSetVariableAndWithDevice(t *testing.T) {
	h := start(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.loop.SetVariable(ctx, h.lamp, "power", "on", "test"))
	assert.Error(t, h.loop.SetVariable(ctx, h.lamp, "power", "dim", "test"))
	assert.ErrorIs(t, h.loop.SetVariable(ctx, 1, "power", "on", "test"), ErrUnknownDevice)

	c, _ := dial(t, h.lamp)
	assert.Equal(t, "power=on", c.send("POWER?"))

	h.mu.Lock()
	require.Len(t, h.changes, 1)
	assert.Equal(t, "test", h.changes[0].Source)
	h.mu.Unlock()
}

func TestSnapshot(t *testing.T) {
	h := start(t, Options{})
	snaps, err := h.loop.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "Lamp", snaps[0].Name)
	assert.Equal(t, []string{"power"}, snaps[0].Unset)
	assert.Equal(t, "off", snaps[1].Values["power"])

	addr, ok := h.loop.Addr(h.lamp)
	require.True(t, ok)
	assert.Contains(t, addr.String(), fmt.Sprint(h.lamp))
}

func TestRunFailsWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	types, err := schema.Parse([]byte(fmt.Sprintf(testSchema, port, freePorts(t, 1)[0])))
	require.NoError(t, err)
	reg, err := schema.NewRegistry(types)
	require.NoError(t, err)

	loop := New(Options{}, reg)
	assert.Error(t, loop.Run(context.Background()))
	assert.ErrorIs(t, loop.Do(context.Background(), func() {}), ErrLoopClosed)
}

func TestCloseStopsLoop(t *testing.T) {
	h := start(t, Options{})
	c, _ := dial(t, h.lamp)
	h.loop.Close()

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err)
	assert.ErrorIs(t, h.loop.Do(context.Background(), func() {}), ErrLoopClosed)
}

func TestNewLineEndingDefaults(t *testing.T) {
	reg, err := schema.NewRegistry(nil)
	require.NoError(t, err)

	assert.Equal(t, "\r\n", New(Options{}, reg).opts.LineEnding)
	assert.Equal(t, "", New(Options{LineEnding: LineEndingNone}, reg).opts.LineEnding)
	assert.Equal(t, "\n", New(Options{LineEnding: "\n"}, reg).opts.LineEnding)
}

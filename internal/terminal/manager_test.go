package terminal_test

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebula/ptyhost/internal/terminal"
	"github.com/nebula/ptyhost/internal/terminal/terminaltest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type historyEntry struct {
	id       uint32
	event    string
	exitCode int
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []historyEntry
}

func (h *fakeHistory) RecordSessionStart(id uint32, shell, dir string, startedAt time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, historyEntry{id: id, event: "start"})
	return nil
}

func (h *fakeHistory) RecordSessionEnd(id uint32, reason string, exitCode int, endedAt time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, historyEntry{id: id, event: reason, exitCode: exitCode})
	return nil
}

func (h *fakeHistory) Entries() []historyEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]historyEntry(nil), h.entries...)
}

func newManager(t *testing.T, opts ...terminal.Option) (*terminal.Manager, *terminaltest.System, *terminaltest.Recorder) {
	t.Helper()
	sys := terminaltest.NewSystem()
	rec := terminaltest.NewRecorder()
	m := terminal.NewManager(append([]terminal.Option{
		terminal.WithSystem(sys),
		terminal.WithSink(rec),
		terminal.WithEnviron(func() []string { return []string{"PATH=/usr/bin"} }),
	}, opts...)...)
	t.Cleanup(m.Close)
	return m, sys, rec
}

func TestSpawnAssignsSequentialIDs(t *testing.T) {
	m, _, _ := newManager(t)

	first, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first)

	require.NoError(t, m.Kill(first))

	second, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), second)
}

func TestSpawnStartsShellOnTerminal(t *testing.T) {
	m, sys, _ := newManager(t, terminal.WithDefaultShell("/bin/zsh"))

	id, err := m.Spawn(terminal.SpawnOptions{Dir: "/tmp"})
	require.NoError(t, err)

	p := sys.Last()
	require.NotNil(t, p)

	cmd := p.Command()
	assert.Equal(t, "/bin/zsh", cmd.Path)
	assert.Equal(t, "/tmp", cmd.Dir)
	assert.Contains(t, cmd.Env, "TERM=xterm-256color")
	assert.True(t, p.SubordinateClosed())
	assert.Equal(t, terminal.Size{Cols: terminal.DefaultCols, Rows: terminal.DefaultRows}, p.Size())

	info, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "/bin/zsh", info.Shell)
	assert.Equal(t, p.PID(), info.PID)
	assert.False(t, info.Exited)
}

func TestSpawnShellOverrideAndSize(t *testing.T) {
	m, sys, _ := newManager(t, terminal.WithDefaultSize(120, 40))

	_, err := m.Spawn(terminal.SpawnOptions{Shell: "/bin/bash", Rows: 50})
	require.NoError(t, err)

	p := sys.Last()
	assert.Equal(t, "/bin/bash", p.Command().Path)
	assert.Equal(t, terminal.Size{Cols: 120, Rows: 50}, p.Size())
}

func TestSpawnStripsNestedSessionVars(t *testing.T) {
	m, sys, _ := newManager(t, terminal.WithEnviron(func() []string {
		return []string{"HOME=/root", "TERM=dumb", "CLAUDECODE=1", "CLAUDE_CODE=1"}
	}))

	_, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"HOME=/root", "TERM=xterm-256color"}, sys.Last().Command().Env)
}

func TestDefaultShell(t *testing.T) {
	m, _, _ := newManager(t)
	assert.Equal(t, terminal.DefaultShell(), m.GetDefaultShell())

	m.SetDefaultShell("/usr/bin/fish")
	assert.Equal(t, "/usr/bin/fish", m.GetDefaultShell())

	m.SetDefaultShell("")
	assert.Equal(t, terminal.DefaultShell(), m.GetDefaultShell())
}

func TestSpawnFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name  string
		setup func(*terminaltest.System)
		kind  error
	}{
		{"open", func(s *terminaltest.System) { s.OpenErr = boom }, terminal.ErrPtyOpen},
		{"spawn", func(s *terminaltest.System) { s.SpawnErr = boom }, terminal.ErrSpawn},
		{"writer", func(s *terminaltest.System) { s.WriterErr = boom }, terminal.ErrHandleAcquisition},
		{"reader", func(s *terminaltest.System) { s.ReaderErr = boom }, terminal.ErrHandleAcquisition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, sys, _ := newManager(t)
			tt.setup(sys)

			id, err := m.Spawn(terminal.SpawnOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.ErrorIs(t, err, boom)
			assert.Zero(t, id)
			assert.Empty(t, m.List())

			if p := sys.Last(); p != nil {
				assert.True(t, p.MasterClosed())
			}
		})
	}
}

func TestSpawnFailureDoesNotConsumeID(t *testing.T) {
	m, sys, _ := newManager(t)

	sys.SpawnErr = errors.New("no such file")
	_, err := m.Spawn(terminal.SpawnOptions{})
	require.Error(t, err)

	sys.SpawnErr = nil
	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
}

func TestWriteEchoesInOrder(t *testing.T) {
	m, sys, rec := newManager(t)

	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	for _, s := range []string{"e", "c", "h", "o", "\r"} {
		require.NoError(t, m.Write(id, []byte(s)))
	}

	assert.Equal(t, "echo\r", sys.Last().Input())
	require.Eventually(t, func() bool { return rec.Output(id) == "echo\r" }, waitFor, tick)
}

func TestWriteDeliversAllBytes(t *testing.T) {
	m, sys, _ := newManager(t)
	sys.ChunkSize = 3
	sys.Echo = false

	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	payload := strings.Repeat("0123456789", 10)
	require.NoError(t, m.Write(id, []byte(payload)))
	assert.Equal(t, payload, sys.Last().Input())
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	m, sys, _ := newManager(t)
	sys.ChunkSize = 2
	sys.Echo = false

	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, s := range []string{"aaaaaaaa", "bbbbbbbb"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			assert.NoError(t, m.Write(id, []byte(s)))
		}(s)
	}
	wg.Wait()

	in := sys.Last().Input()
	assert.Contains(t, []string{"aaaaaaaabbbbbbbb", "bbbbbbbbaaaaaaaa"}, in)
}

func TestWriteErrors(t *testing.T) {
	m, sys, _ := newManager(t)

	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	sys.WriteErr = errors.New("eio")
	err = m.Write(id, []byte("x"))
	assert.ErrorIs(t, err, terminal.ErrWrite)

	sys.WriteErr = nil
	sys.Echo = false
	sys.FlushErr = errors.New("flush")
	err = m.Write(id, []byte("x"))
	assert.ErrorIs(t, err, terminal.ErrFlush)

	// The session survives failed writes.
	_, err = m.Get(id)
	assert.NoError(t, err)
}

func TestResize(t *testing.T) {
	m, sys, _ := newManager(t)

	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Resize(id, 132, 43))
	assert.Equal(t, terminal.Size{Cols: 132, Rows: 43}, sys.Last().Size())

	info, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint16(132), info.Cols)
	assert.Equal(t, uint16(43), info.Rows)

	sys.ResizeErr = errors.New("einval")
	err = m.Resize(id, 10, 10)
	assert.ErrorIs(t, err, terminal.ErrResize)

	info, err = m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint16(132), info.Cols)
}

func TestUnknownSession(t *testing.T) {
	m, _, _ := newManager(t)

	assert.ErrorIs(t, m.Write(99, []byte("x")), terminal.ErrSessionNotFound)
	assert.ErrorIs(t, m.Resize(99, 80, 24), terminal.ErrSessionNotFound)
	_, err := m.Get(99)
	assert.ErrorIs(t, err, terminal.ErrSessionNotFound)
	_, err = m.Scrollback(99)
	assert.ErrorIs(t, err, terminal.ErrSessionNotFound)
	assert.NoError(t, m.Kill(99))
}

func TestKill(t *testing.T) {
	history := &fakeHistory{}
	m, sys, rec := newManager(t, terminal.WithHistory(history))

	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)
	p := sys.Last()

	require.NoError(t, m.Kill(id))
	require.NoError(t, m.Kill(id))

	assert.True(t, p.MasterClosed())
	assert.Empty(t, m.List())
	assert.ErrorIs(t, m.Write(id, []byte("x")), terminal.ErrSessionNotFound)
	assert.ErrorIs(t, m.Resize(id, 80, 24), terminal.ErrSessionNotFound)

	assert.Never(t, func() bool { return len(rec.Exits(id)) > 0 }, 50*time.Millisecond, tick)
	assert.Equal(t, []historyEntry{
		{id: id, event: "start"},
		{id: id, event: "killed", exitCode: -1},
	}, history.Entries())
}

func TestSessionsAreIsolated(t *testing.T) {
	m, sys, rec := newManager(t)

	a, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)
	b, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	ptys := sys.Ptys()
	require.Len(t, ptys, 2)

	require.NoError(t, m.Write(a, []byte("left")))
	require.NoError(t, ptys[1].Emit("right"))

	require.Eventually(t, func() bool {
		return rec.Output(a) == "left" && rec.Output(b) == "right"
	}, waitFor, tick)
	assert.Equal(t, "left", ptys[0].Input())
	assert.Empty(t, ptys[1].Input())

	require.NoError(t, m.Kill(a))
	require.NoError(t, m.Write(b, []byte("!")))
	require.Eventually(t, func() bool { return rec.Output(b) == "right!" }, waitFor, tick)
}

func TestChildExit(t *testing.T) {
	history := &fakeHistory{}
	m, sys, rec := newManager(t, terminal.WithHistory(history))

	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	p := sys.Last()
	require.NoError(t, p.Emit("bye\r\n"))
	p.Exit(3)

	require.Eventually(t, func() bool { return len(rec.Exits(id)) == 1 }, waitFor, tick)
	assert.Equal(t, terminal.Exit{SessionID: id, ExitCode: 3}, rec.Exits(id)[0])
	assert.Equal(t, "bye\r\n", rec.Output(id))

	// Exited sessions stay registered until killed.
	info, err := m.Get(id)
	require.NoError(t, err)
	assert.True(t, info.Exited)
	assert.Equal(t, 3, info.ExitCode)

	require.NoError(t, m.Kill(id))
	assert.Equal(t, []historyEntry{
		{id: id, event: "start"},
		{id: id, event: "exited", exitCode: 3},
	}, history.Entries())
}

func TestReapExited(t *testing.T) {
	m, sys, rec := newManager(t, terminal.WithReapExited(true))

	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	sys.Last().Exit(0)

	require.Eventually(t, func() bool { return len(m.List()) == 0 }, waitFor, tick)
	assert.Len(t, rec.Exits(id), 1)
	assert.True(t, sys.Last().MasterClosed())
}

func TestOutputSplitRune(t *testing.T) {
	m, sys, rec := newManager(t)

	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	p := sys.Last()
	require.NoError(t, p.Emit("caf\xc3"))
	require.NoError(t, p.Emit("\xa9"))

	require.Eventually(t, func() bool { return rec.Output(id) == "café" }, waitFor, tick)
}

func TestScrollback(t *testing.T) {
	m, sys, _ := newManager(t, terminal.WithScrollback(8))

	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, sys.Last().Emit("hello world"))
	require.Eventually(t, func() bool {
		out, err := m.Scrollback(id)
		return err == nil && out == "lo world"
	}, waitFor, tick)
}

func TestScrollbackCutInsideRune(t *testing.T) {
	m, sys, _ := newManager(t, terminal.WithScrollback(4))

	id, err := m.Spawn(terminal.SpawnOptions{})
	require.NoError(t, err)

	// "héllo" is 6 bytes; the ring keeps the second byte of "é" and "llo".
	require.NoError(t, sys.Last().Emit("héllo"))
	require.Eventually(t, func() bool {
		out, err := m.Scrollback(id)
		return err == nil && out == "llo"
	}, waitFor, tick)
}

func TestClose(t *testing.T) {
	m, sys, _ := newManager(t)

	for i := 0; i < 3; i++ {
		_, err := m.Spawn(terminal.SpawnOptions{})
		require.NoError(t, err)
	}

	m.Close()
	assert.Empty(t, m.List())
	for _, p := range sys.Ptys() {
		assert.True(t, p.MasterClosed())
	}
}

func TestListOrdered(t *testing.T) {
	m, _, _ := newManager(t)

	for i := 0; i < 3; i++ {
		_, err := m.Spawn(terminal.SpawnOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, m.Kill(2))

	var ids []uint32
	for _, info := range m.List() {
		ids = append(ids, info.ID)
	}
	assert.Equal(t, []uint32{1, 3}, ids)
}

package terminal

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default terminal size used when a spawn request leaves it unset.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// History records the lifetime of sessions.
type History interface {
	RecordSessionStart(id uint32, shell, dir string, startedAt time.Time) error
	RecordSessionEnd(id uint32, reason string, exitCode int, endedAt time.Time) error
}

// SpawnOptions configures a new session. Zero values select the defaults.
type SpawnOptions struct {
	Dir   string
	Shell string
	Cols  uint16
	Rows  uint16
}

// Manager creates, multiplexes and tears down PTY sessions. All methods are
// safe for concurrent use.
type Manager struct {
	system   System
	sink     Sink
	history  History
	log      *zap.Logger
	environ  func() []string
	registry *Registry

	mu           sync.RWMutex
	defaultShell string
	defaultSize  Size
	scrollback   int
	reapExited   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithSystem replaces the native PTY system.
func WithSystem(s System) Option { return func(m *Manager) { m.system = s } }

// WithSink sets the receiver of output and exit events.
func WithSink(s Sink) Option { return func(m *Manager) { m.sink = s } }

// WithHistory records session starts and ends.
func WithHistory(h History) Option { return func(m *Manager) { m.history = h } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

// WithEnviron sets the base environment children inherit.
func WithEnviron(fn func() []string) Option { return func(m *Manager) { m.environ = fn } }

// WithDefaultShell overrides DefaultShell for spawns that name no shell.
func WithDefaultShell(shell string) Option { return func(m *Manager) { m.defaultShell = shell } }

// WithDefaultSize sets the size of spawns that leave it unset.
func WithDefaultSize(cols, rows uint16) Option {
	return func(m *Manager) {
		if cols > 0 && rows > 0 {
			m.defaultSize = Size{Cols: cols, Rows: rows}
		}
	}
}

// WithScrollback keeps the last n output bytes of each session.
func WithScrollback(n int) Option { return func(m *Manager) { m.scrollback = n } }

// WithReapExited makes sessions whose child exited remove themselves
// instead of waiting for Kill.
func WithReapExited(reap bool) Option { return func(m *Manager) { m.reapExited = reap } }

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		system:      NativeSystem(),
		sink:        discardSink{},
		log:         zap.NewNop(),
		environ:     os.Environ,
		registry:    NewRegistry(),
		defaultSize: Size{Cols: DefaultCols, Rows: DefaultRows},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetDefaultShell changes the shell used by later spawns that name none.
// An empty shell restores DefaultShell.
func (m *Manager) SetDefaultShell(shell string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultShell = shell
}

// SetReapExited toggles automatic removal of exited sessions.
func (m *Manager) SetReapExited(reap bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapExited = reap
}

// GetDefaultShell returns the shell a spawn without override would run.
func (m *Manager) GetDefaultShell() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.defaultShell != "" {
		return m.defaultShell
	}
	return DefaultShell()
}

func (m *Manager) spawnSettings(opts SpawnOptions) (string, Size, int) {
	shell := opts.Shell
	if shell == "" {
		shell = m.GetDefaultShell()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	size := m.defaultSize
	if opts.Cols > 0 {
		size.Cols = opts.Cols
	}
	if opts.Rows > 0 {
		size.Rows = opts.Rows
	}
	return shell, size, m.scrollback
}

// Spawn starts a shell on a new PTY and returns its session id. Output
// events for the id may arrive as soon as Spawn returns.
func (m *Manager) Spawn(opts SpawnOptions) (uint32, error) {
	shell, size, scrollBytes := m.spawnSettings(opts)

	pair, err := m.system.Open(size)
	if err != nil {
		return 0, opError("spawn", 0, ErrPtyOpen, err)
	}

	proc, err := pair.Subordinate.Spawn(Command{
		Path: shell,
		Dir:  opts.Dir,
		Env:  childEnv(m.environ()),
	})
	if err != nil {
		pair.Subordinate.Close()
		pair.Master.Close()
		return 0, opError("spawn", 0, ErrSpawn, err)
	}

	// The child holds its own reference to the subordinate side now.
	if err := pair.Subordinate.Close(); err != nil {
		m.log.Debug("release subordinate", zap.Error(err))
	}

	writer, err := pair.Master.TakeWriter()
	if err != nil {
		pair.Master.Close()
		go proc.Wait()
		return 0, opError("spawn", 0, ErrHandleAcquisition, err)
	}

	reader, err := pair.Master.CloneReader()
	if err != nil {
		writer.Close()
		pair.Master.Close()
		go proc.Wait()
		return 0, opError("spawn", 0, ErrHandleAcquisition, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        m.registry.allocate(),
		shell:     shell,
		dir:       opts.Dir,
		startedAt: time.Now(),
		size:      size,
		master:    pair.Master,
		writer:    writer,
		reader:    reader,
		proc:      proc,
		scroll:    newScrollback(scrollBytes),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	ready := make(chan struct{})
	go s.reap()
	go m.relayOutput(ctx, s, ready)

	m.registry.insert(s)
	close(ready)

	if m.history != nil {
		if err := m.history.RecordSessionStart(s.id, shell, opts.Dir, s.startedAt); err != nil {
			m.log.Warn("record session start", zap.Uint32("session_id", s.id), zap.Error(err))
		}
	}

	m.log.Info("session spawned",
		zap.Uint32("session_id", s.id),
		zap.String("shell", shell),
		zap.Int("pid", proc.Pid()),
		zap.Uint16("cols", size.Cols),
		zap.Uint16("rows", size.Rows),
	)
	return s.id, nil
}

// relayOutput runs the session's relay and, when the child ended on its
// own, announces the exit.
func (m *Manager) relayOutput(ctx context.Context, s *Session, ready <-chan struct{}) {
	select {
	case <-ready:
	case <-ctx.Done():
		return
	}

	r := &relay{
		id:     s.id,
		reader: s.reader,
		sink:   m.sink,
		scroll: s.scroll,
		stop:   &s.stopped,
		log:    m.log,
	}
	r.run(ctx)

	if s.stopped.Load() {
		return
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return
	}

	s.exited.Store(true)
	code := int(s.exitCode.Load())
	if m.history != nil {
		if err := m.history.RecordSessionEnd(s.id, "exited", code, time.Now()); err != nil {
			m.log.Warn("record session end", zap.Uint32("session_id", s.id), zap.Error(err))
		}
	}

	m.sink.Emit(EventExit, Exit{SessionID: s.id, ExitCode: code})
	m.log.Info("session exited", zap.Uint32("session_id", s.id), zap.Int("exit_code", code))

	m.mu.RLock()
	reap := m.reapExited
	m.mu.RUnlock()
	if reap {
		m.Kill(s.id)
	}
}

// Write sends data to the session's child and returns once every byte has
// been handed to the terminal.
func (m *Manager) Write(id uint32, data []byte) error {
	s, ok := m.registry.get(id)
	if !ok {
		return opError("write", id, ErrSessionNotFound, nil)
	}
	return s.write(data)
}

// Resize changes the session's terminal size in character cells.
func (m *Manager) Resize(id uint32, cols, rows uint16) error {
	s, ok := m.registry.get(id)
	if !ok {
		return opError("resize", id, ErrSessionNotFound, nil)
	}
	return s.resize(Size{Cols: cols, Rows: rows})
}

// Kill removes the session and closes its terminal. Killing an unknown id
// is not an error.
func (m *Manager) Kill(id uint32) error {
	s, ok := m.registry.remove(id)
	if !ok {
		return nil
	}

	s.stop()
	if err := s.close(); err != nil {
		m.log.Debug("close session handles", zap.Uint32("session_id", id), zap.Error(err))
	}

	if !s.exited.Load() && m.history != nil {
		if err := m.history.RecordSessionEnd(id, "killed", -1, time.Now()); err != nil {
			m.log.Warn("record session end", zap.Uint32("session_id", id), zap.Error(err))
		}
	}

	m.log.Info("session killed", zap.Uint32("session_id", id))
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id uint32) (SessionInfo, error) {
	s, ok := m.registry.get(id)
	if !ok {
		return SessionInfo{}, opError("get", id, ErrSessionNotFound, nil)
	}
	return s.info(), nil
}

// List returns snapshots of every registered session ordered by id.
func (m *Manager) List() []SessionInfo {
	sessions := m.registry.list()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	return infos
}

// Scrollback returns the session's recent output decoded as text.
func (m *Manager) Scrollback(id uint32) (string, error) {
	s, ok := m.registry.get(id)
	if !ok {
		return "", opError("scrollback", id, ErrSessionNotFound, nil)
	}
	// The ring may have dropped the head of a character.
	return newTextDecoder().decode(trimPartialRune(s.scroll.Bytes()), true), nil
}

// Close kills every session.
func (m *Manager) Close() {
	for _, s := range m.registry.list() {
		m.Kill(s.id)
	}
}

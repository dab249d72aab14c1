// Package stats samples the processes running in terminal sessions and
// streams the samples to the UI.
package stats

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/nebula/ptyhost/internal/process"
	"github.com/nebula/ptyhost/internal/terminal"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// EventStats is the event name of a broadcast Snapshot.
const EventStats = "terminal_stats"

// SessionStats aggregates the process tree of one session.
type SessionStats struct {
	SessionID  uint32  `json:"session_id"`
	PID        int     `json:"pid"`
	Processes  int     `json:"processes"`
	CPUPercent float64 `json:"cpu_percent"`
	MemRSS     uint64  `json:"mem_rss"`
	Foreground string  `json:"foreground,omitempty"`
}

// HostLoad is the machine-wide load at sample time.
type HostLoad struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// Snapshot is one sample of every live session.
type Snapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Host      HostLoad       `json:"host"`
	Sessions  []SessionStats `json:"sessions"`
}

// SystemInfo contains general system information
type SystemInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	KernelArch      string `json:"kernel_arch"`
	Uptime          uint64 `json:"uptime"`
	NumCPU          int    `json:"num_cpu"`
}

// Sessions lists the sessions to sample.
type Sessions interface {
	List() []terminal.SessionInfo
}

// Inspector returns the process tree below a session's shell.
type Inspector interface {
	Tree(pid int32) (process.TreeNode, error)
}

// Collector samples sessions at a fixed interval
type Collector struct {
	sessions  Sessions
	inspector Inspector
	sink      terminal.Sink
	log       *zap.Logger
	interval  time.Duration
	histSize  int
	hostLoad  func() HostLoad

	mu          sync.RWMutex
	history     []Snapshot
	subscribers map[chan Snapshot]struct{}
}

// NewCollector creates a new stats collector. sink may be nil.
func NewCollector(sessions Sessions, inspector Inspector, sink terminal.Sink, interval time.Duration, historySize int, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	if historySize < 1 {
		historySize = 1
	}
	return &Collector{
		sessions:    sessions,
		inspector:   inspector,
		sink:        sink,
		log:         log,
		interval:    interval,
		histSize:    historySize,
		hostLoad:    sampleHost,
		history:     make([]Snapshot, 0, historySize),
		subscribers: make(map[chan Snapshot]struct{}),
	}
}

// Start samples until ctx is done. A non-positive interval disables
// sampling.
func (c *Collector) Start(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample, records it and broadcasts it.
func (c *Collector) Collect() Snapshot {
	snap := Snapshot{
		Timestamp: time.Now(),
		Host:      c.hostLoad(),
		Sessions:  []SessionStats{},
	}

	for _, s := range c.sessions.List() {
		if s.Exited {
			continue
		}
		tree, err := c.inspector.Tree(int32(s.PID))
		if err != nil {
			c.log.Debug("sample session", zap.Uint32("session_id", s.ID), zap.Error(err))
			continue
		}
		snap.Sessions = append(snap.Sessions, aggregate(s, tree))
	}

	c.mu.Lock()
	c.history = append(c.history, snap)
	if len(c.history) > c.histSize {
		c.history = c.history[len(c.history)-c.histSize:]
	}
	c.mu.Unlock()

	c.notifySubscribers(snap)
	if c.sink != nil {
		c.sink.Emit(EventStats, snap)
	}
	return snap
}

func aggregate(s terminal.SessionInfo, tree process.TreeNode) SessionStats {
	st := SessionStats{SessionID: s.ID, PID: s.PID, Processes: process.Count(tree)}

	var walk func(process.TreeNode)
	walk = func(n process.TreeNode) {
		st.CPUPercent += n.Process.CPUPercent
		st.MemRSS += n.Process.MemRSS
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(tree)

	if fg := process.Newest(tree); fg.PID != tree.Process.PID {
		st.Foreground = fg.Name
	}
	return st
}

func sampleHost() HostLoad {
	var load HostLoad
	if total, err := cpu.Percent(0, false); err == nil && len(total) > 0 {
		load.CPUPercent = total[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		load.MemUsedPercent = vmem.UsedPercent
	}
	return load
}

// Subscribe returns a channel receiving every new snapshot. Slow
// subscribers miss snapshots.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 10)
	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[ch]; ok {
		delete(c.subscribers, ch)
		close(ch)
	}
}

func (c *Collector) notifySubscribers(snap Snapshot) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Latest returns the most recent snapshot.
func (c *Collector) Latest() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return Snapshot{}, false
	}
	return c.history[len(c.history)-1], true
}

// History returns the retained snapshots, oldest first.
func (c *Collector) History() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Snapshot, len(c.history))
	copy(out, c.history)
	return out
}

// GetSystemInfo returns general system information
func GetSystemInfo() (SystemInfo, error) {
	info := SystemInfo{
		NumCPU: runtime.NumCPU(),
	}

	hostInfo, err := host.Info()
	if err != nil {
		return info, err
	}

	info.Hostname = hostInfo.Hostname
	info.OS = hostInfo.OS
	info.Platform = hostInfo.Platform
	info.PlatformVersion = hostInfo.PlatformVersion
	info.KernelVersion = hostInfo.KernelVersion
	info.KernelArch = hostInfo.KernelArch
	info.Uptime = hostInfo.Uptime

	return info, nil
}

// Package process inspects the shells running inside terminal sessions and
// the programs started from them.
package process

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotRunning is returned for a pid with no live process.
var ErrNotRunning = errors.New("process not running")

// ProcessInfo contains process information
// CPUPercent covers the time since the previous sample of the same process
// and is 0 on the first sample.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	PPID       int32   `json:"ppid"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Username   string  `json:"username,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float32 `json:"mem_percent"`
	MemRSS     uint64  `json:"mem_rss"`
	NumThreads int32   `json:"num_threads"`
	CreateTime int64   `json:"create_time"`
	Cmdline    string  `json:"cmdline,omitempty"`
	Cwd        string  `json:"cwd,omitempty"`
}

// TreeNode represents a process in the tree
type TreeNode struct {
	Process  ProcessInfo `json:"process"`
	Children []TreeNode  `json:"children,omitempty"`
}

// Manager reads process state through gopsutil. It keeps the handles of
// processes it has seen so CPU usage is measured between samples.
type Manager struct {
	mu    sync.Mutex
	procs map[int32]*process.Process
}

// NewManager creates a new process manager
func NewManager() *Manager {
	return &Manager{procs: make(map[int32]*process.Process)}
}

// track returns the cached handle for p's pid unless the pid now belongs to
// a different process. Callers hold m.mu.
func (m *Manager) track(p *process.Process) *process.Process {
	if cached, ok := m.procs[p.Pid]; ok && sameStart(cached, p) {
		return cached
	}
	m.procs[p.Pid] = p
	return p
}

func sameStart(a, b *process.Process) bool {
	ta, errA := a.CreateTime()
	tb, errB := b.CreateTime()
	return errA == nil && errB == nil && ta == tb
}

func open(pid int32) (*process.Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrNotRunning)
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrNotRunning)
	}
	return p, nil
}

// Get returns detailed information about one process, including its
// command line and working directory.
func (m *Manager) Get(pid int32) (ProcessInfo, error) {
	p, err := open(pid)
	if err != nil {
		return ProcessInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p = m.track(p)

	info := basicInfo(p)
	if cmdline, err := p.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if cwd, err := p.Cwd(); err == nil {
		info.Cwd = cwd
	}
	return info, nil
}

func basicInfo(p *process.Process) ProcessInfo {
	info := ProcessInfo{
		PID: p.Pid,
	}

	if ppid, err := p.Ppid(); err == nil {
		info.PPID = ppid
	}
	if name, err := p.Name(); err == nil {
		info.Name = name
	}
	if status, err := p.Status(); err == nil && len(status) > 0 {
		info.Status = status[0]
	}
	if username, err := p.Username(); err == nil {
		info.Username = username
	}
	if cpuPercent, err := p.Percent(0); err == nil {
		info.CPUPercent = cpuPercent
	}
	if memPercent, err := p.MemoryPercent(); err == nil {
		info.MemPercent = memPercent
	}
	if memInfo, err := p.MemoryInfo(); err == nil && memInfo != nil {
		info.MemRSS = memInfo.RSS
	}
	if numThreads, err := p.NumThreads(); err == nil {
		info.NumThreads = numThreads
	}
	if createTime, err := p.CreateTime(); err == nil {
		info.CreateTime = createTime
	}

	return info
}

// Tree returns pid and every descendant, children ordered by pid. Handles of
// processes that no longer exist are dropped.
func (m *Manager) Tree(pid int32) (TreeNode, error) {
	if pid <= 0 {
		return TreeNode{}, fmt.Errorf("pid %d: %w", pid, ErrNotRunning)
	}

	procs, err := process.Processes()
	if err != nil {
		return TreeNode{}, fmt.Errorf("failed to get processes: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var root *process.Process
	seen := make(map[int32]bool, len(procs))
	children := make(map[int32][]*process.Process)
	for _, p := range procs {
		p = m.track(p)
		seen[p.Pid] = true
		if p.Pid == pid {
			root = p
		}
		if ppid, err := p.Ppid(); err == nil && p.Pid != ppid {
			children[ppid] = append(children[ppid], p)
		}
	}
	for cached := range m.procs {
		if !seen[cached] {
			delete(m.procs, cached)
		}
	}

	if root == nil {
		return TreeNode{}, fmt.Errorf("pid %d: %w", pid, ErrNotRunning)
	}
	return buildTree(root, children), nil
}

func buildTree(p *process.Process, children map[int32][]*process.Process) TreeNode {
	node := TreeNode{Process: basicInfo(p)}
	for _, child := range children[p.Pid] {
		node.Children = append(node.Children, buildTree(child, children))
	}

	sort.Slice(node.Children, func(i, j int) bool {
		return node.Children[i].Process.PID < node.Children[j].Process.PID
	})
	return node
}

// Foreground returns the newest leaf below pid, the program a user most
// likely sees in the terminal. It returns pid itself when it has no
// children.
func (m *Manager) Foreground(pid int32) (ProcessInfo, error) {
	tree, err := m.Tree(pid)
	if err != nil {
		return ProcessInfo{}, err
	}
	return Newest(tree), nil
}

// Newest follows the most recently started child down to a leaf.
func Newest(node TreeNode) ProcessInfo {
	for len(node.Children) > 0 {
		newest := node.Children[0]
		for _, c := range node.Children[1:] {
			if c.Process.CreateTime > newest.Process.CreateTime {
				newest = c
			}
		}
		node = newest
	}
	return node.Process
}

// Count returns the number of processes in the tree rooted at node.
func Count(node TreeNode) int {
	n := 1
	for _, c := range node.Children {
		n += Count(c)
	}
	return n
}

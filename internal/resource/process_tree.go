// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/procfs"
	"k8s.io/utils/clock"
)

// Utilization is the share of host resources consumed by the tracked
// process tree over the most recent sampling interval. Shares are in [0, 1].
type Utilization struct {
	// CPU is cpu-time consumed over wall-time across all cores
	CPU float64

	// Memory is resident set size over total host memory
	Memory float64
}

// ProcessTree tracks a root process and its descendants and computes their
// CPU and memory utilization shares from procfs. The tree membership is
// resolved once at construction; processes spawned later are not tracked.
type ProcessTree struct {
	logger *slog.Logger
	fs     procfs.FS
	clock  clock.PassiveClock

	rootPID  int
	pids     []int
	pidSet   map[int]struct{}
	cores    int
	memTotal uint64 // bytes

	lastSample  time.Time
	lastCPUTime map[int]float64
}

type TreeOptFn func(*ProcessTree)

// WithTreeLogger sets the logger for the tree
func WithTreeLogger(l *slog.Logger) TreeOptFn {
	return func(t *ProcessTree) {
		t.logger = l.With("service", "process-tree")
	}
}

// WithTreeClock sets the clock used for interval timing
func WithTreeClock(c clock.PassiveClock) TreeOptFn {
	return func(t *ProcessTree) {
		t.clock = c
	}
}

// NewProcessTree resolves the descendants of rootPID from the procfs mounted
// at procfsPath and primes the CPU-time baselines so that the first Sample
// call covers a real interval. A rootPID of zero means the calling process.
func NewProcessTree(procfsPath string, rootPID int, applyOpts ...TreeOptFn) (*ProcessTree, error) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", procfsPath, err)
	}

	tree := &ProcessTree{
		logger:  slog.Default().With("service", "process-tree"),
		fs:      fs,
		clock:   clock.RealClock{},
		rootPID: rootPID,
		cores:   runtime.NumCPU(),
	}
	for _, apply := range applyOpts {
		apply(tree)
	}

	if tree.rootPID <= 0 {
		tree.rootPID = os.Getpid()
	}

	if err := tree.resolve(); err != nil {
		return nil, err
	}

	meminfo, err := fs.Meminfo()
	if err != nil {
		return nil, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if meminfo.MemTotal == nil || *meminfo.MemTotal == 0 {
		return nil, fmt.Errorf("meminfo reports no total memory")
	}
	tree.memTotal = *meminfo.MemTotal * 1024 // kB to bytes

	tree.lastCPUTime = make(map[int]float64, len(tree.pids))
	for _, pid := range tree.pids {
		if ct, err := tree.cpuTime(pid); err == nil {
			tree.lastCPUTime[pid] = ct
		}
	}
	tree.lastSample = tree.clock.Now()

	tree.logger.Info("Tracking process tree",
		"root", tree.rootPID, "processes", len(tree.pids), "cores", tree.cores)
	return tree, nil
}

// resolve walks the parent-pid graph once and collects rootPID with all of
// its transitive children
func (t *ProcessTree) resolve() error {
	procs, err := t.fs.AllProcs()
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	children := make(map[int][]int, len(procs))
	seen := make(map[int]bool, len(procs))
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			// process exited during the walk
			continue
		}
		children[stat.PPID] = append(children[stat.PPID], proc.PID)
		seen[proc.PID] = true
	}

	if !seen[t.rootPID] {
		return fmt.Errorf("process %d not found", t.rootPID)
	}

	t.pidSet = make(map[int]struct{})
	queue := []int{t.rootPID}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if _, ok := t.pidSet[pid]; ok {
			continue
		}
		t.pidSet[pid] = struct{}{}
		t.pids = append(t.pids, pid)
		queue = append(queue, children[pid]...)
	}
	return nil
}

func (t *ProcessTree) cpuTime(pid int) (float64, error) {
	proc, err := t.fs.Proc(pid)
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	return stat.CPUTime(), nil
}

// PIDs returns the tracked process ids
func (t *ProcessTree) PIDs() []int {
	return t.pids
}

// Contains reports whether pid belongs to the tracked tree
func (t *ProcessTree) Contains(pid int) bool {
	_, ok := t.pidSet[pid]
	return ok
}

// Sample computes the utilization shares of the tracked tree since the
// previous call. Processes that exited since the last sample contribute
// nothing; their baselines are dropped.
func (t *ProcessTree) Sample() Utilization {
	now := t.clock.Now()
	wall := now.Sub(t.lastSample).Seconds()
	t.lastSample = now

	var cpuDelta, rss float64
	for _, pid := range t.pids {
		proc, err := t.fs.Proc(pid)
		if err != nil {
			delete(t.lastCPUTime, pid)
			continue
		}
		stat, err := proc.Stat()
		if err != nil {
			delete(t.lastCPUTime, pid)
			continue
		}

		ct := stat.CPUTime()
		if prev, ok := t.lastCPUTime[pid]; ok && ct >= prev {
			cpuDelta += ct - prev
		}
		t.lastCPUTime[pid] = ct
		rss += float64(stat.ResidentMemory())
	}

	util := Utilization{}
	if wall > 0 && t.cores > 0 {
		util.CPU = clamp(cpuDelta / (wall * float64(t.cores)))
	}
	util.Memory = clamp(rss / float64(t.memTotal))
	return util
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

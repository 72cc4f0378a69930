// Package control exposes a read-only operational view of a running
// recorder over MCP (github.com/mark3labs/mcp-go, grounded on the
// teacher's mcp_server.go) plus process health via gopsutil (grounded
// on instance_reporter.go). Nothing here ever takes the ring mutex for
// longer than the Observer/TileMeta calls it hooks already require, so
// it can never add backpressure to the DSP thread.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cwsl/waterfall-recorder/internal/waterfall"
)

const recentSnapshotCapacity = 20

// SnapshotRecord is one entry of the recent-snapshots ring the
// list_recent_snapshots tool reports.
type SnapshotRecord struct {
	Path      string
	Origin    string
	Rows      uint32
	WrittenAt time.Time
	Dirty     bool
}

// Tracker accumulates pipeline status for the MCP tools below. It
// implements waterfall.Observer and also exposes RecordSnapshot for
// internal/fitsout's Writer.OnWrite hook.
type Tracker struct {
	startedAt time.Time

	mu                sync.Mutex
	rowsPushed        uint64
	snapshotsReserved uint64
	overruns          uint64
	tilesWritten      uint64
	lastOverrunAt     time.Time
	recent            []SnapshotRecord
}

// NewTracker returns a Tracker whose uptime is measured from now.
func NewTracker() *Tracker {
	return &Tracker{startedAt: time.Now()}
}

// RowPushed implements waterfall.Observer.
func (t *Tracker) RowPushed() {
	t.mu.Lock()
	t.rowsPushed++
	t.mu.Unlock()
}

// SnapshotReserved implements waterfall.Observer.
func (t *Tracker) SnapshotReserved() {
	t.mu.Lock()
	t.snapshotsReserved++
	t.mu.Unlock()
}

// SnapshotOverrun implements waterfall.Observer.
func (t *Tracker) SnapshotOverrun() {
	t.mu.Lock()
	t.overruns++
	t.lastOverrunAt = time.Now()
	t.mu.Unlock()
}

// TileWritten implements waterfall.Observer.
func (t *Tracker) TileWritten() {
	t.mu.Lock()
	t.tilesWritten++
	t.mu.Unlock()
}

// RecordSnapshot is wired as internal/fitsout.Writer.OnWrite so the
// recent-snapshots tool has filenames to report.
func (t *Tracker) RecordSnapshot(path string, meta waterfall.TileMeta) {
	rec := SnapshotRecord{
		Path:      path,
		Origin:    meta.Origin,
		Rows:      meta.Length,
		WrittenAt: time.Now(),
		Dirty:     meta.Dirty,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recent = append(t.recent, rec)
	if len(t.recent) > recentSnapshotCapacity {
		t.recent = t.recent[len(t.recent)-recentSnapshotCapacity:]
	}
}

// Snapshot is a point-in-time copy of the tracked counters.
type Snapshot struct {
	UptimeSeconds     float64
	RowsPushed        uint64
	SnapshotsReserved uint64
	Overruns          uint64
	TilesWritten      uint64
	LastOverrunAt     time.Time
	Recent            []SnapshotRecord
}

// Status returns a copy of the current counters.
func (t *Tracker) Status() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	recent := make([]SnapshotRecord, len(t.recent))
	copy(recent, t.recent)
	return Snapshot{
		UptimeSeconds:     time.Since(t.startedAt).Seconds(),
		RowsPushed:        t.rowsPushed,
		SnapshotsReserved: t.snapshotsReserved,
		Overruns:          t.overruns,
		TilesWritten:      t.tilesWritten,
		LastOverrunAt:     t.lastOverrunAt,
		Recent:            recent,
	}
}

// Server wraps an MCP server exposing read-only pipeline status and
// recent-snapshot tools over HTTP, mirroring the teacher's
// server.NewMCPServer / server.NewStreamableHTTPServer pairing in
// mcp_server.go.
type Server struct {
	mcp     *server.MCPServer
	http    *server.StreamableHTTPServer
	tracker *Tracker
	pid     int32
}

// NewServer builds the MCP tool server for tracker. pid is the process
// ID to report health for (typically os.Getpid()).
func NewServer(tracker *Tracker, pid int32) *Server {
	s := &Server{
		tracker: tracker,
		pid:     pid,
		mcp:     server.NewMCPServer("waterfall-recorder", "1.0.0"),
	}
	s.registerTools()
	s.http = server.NewStreamableHTTPServer(s.mcp)
	return s
}

// ListenAndServe starts the HTTP transport on addr.
func (s *Server) ListenAndServe(addr string) error {
	return s.http.Start(addr)
}

func (s *Server) registerTools() {
	statusTool := mcp.NewTool("get_pipeline_status",
		mcp.WithDescription("Report rows produced, snapshots reserved/written, overrun count, and process health for the running waterfall recorder."),
	)
	s.mcp.AddTool(statusTool, s.handleGetPipelineStatus)

	listTool := mcp.NewTool("list_recent_snapshots",
		mcp.WithDescription("List the most recently written snapshot tiles, including path, row count, and whether the writer observed an overrun."),
	)
	s.mcp.AddTool(listTool, s.handleListRecentSnapshots)
}

func (s *Server) handleGetPipelineStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.tracker.Status()
	health := s.processHealth()
	text := fmt.Sprintf(
		"uptime=%.1fs rows_pushed=%d snapshots_reserved=%d overruns=%d tiles_written=%d rss_bytes=%d cpu_percent=%.2f",
		st.UptimeSeconds, st.RowsPushed, st.SnapshotsReserved, st.Overruns, st.TilesWritten, health.rssBytes, health.cpuPercent)
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleListRecentSnapshots(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.tracker.Status()
	if len(st.Recent) == 0 {
		return mcp.NewToolResultText("no snapshots written yet"), nil
	}
	text := ""
	for _, rec := range st.Recent {
		text += fmt.Sprintf("%s origin=%s rows=%d dirty=%v written_at=%s\n",
			rec.Path, rec.Origin, rec.Rows, rec.Dirty, rec.WrittenAt.Format(time.RFC3339))
	}
	return mcp.NewToolResultText(text), nil
}

type health struct {
	rssBytes   uint64
	cpuPercent float64
}

func (s *Server) processHealth() health {
	proc, err := process.NewProcess(s.pid)
	if err != nil {
		return health{}
	}
	mem, err := proc.MemoryInfo()
	var rss uint64
	if err == nil && mem != nil {
		rss = mem.RSS
	}
	cpuPct, _ := proc.CPUPercent()
	return health{rssBytes: rss, cpuPercent: cpuPct}
}

// Package scheduler implements the job table, bounded-parallelism gate,
// pause/resume control plane, and cancellation tree (C4).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"transcode-worker/internal/ffmpeg"
	"transcode-worker/internal/rawbridge"
	"transcode-worker/pkg/protocol"
)

const (
	cmdChanCap   = 256
	eventChanCap = 64
)

// jobEntry is the scheduler's view of one job; mutated only by the
// scheduler goroutine and the job's own worker goroutine.
type jobEntry struct {
	id        string
	inputPath string
	mode      protocol.JobMode
	state     string // "queued" | "running" | terminal states
	percent   float32
	cancel    context.CancelFunc
	pidSlot   *atomic.Uint32
}

// command is the scheduler's single inbound message type.
type command struct {
	kind       string
	job        addJob
	cancelID   string
	newLimit   int
	statusResp chan []protocol.JobStatus
}

type addJob struct {
	id        string
	inputPath string
	outputDir string
	mode      protocol.JobMode
	options   protocol.JobOptions
}

// broadcaster implements a Notify-style wake-up: wait() returns a channel
// that is closed (and replaced) on every broadcast().
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

func (b *broadcaster) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *broadcaster) broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}

// Scheduler holds the job table and enforces bounded, live-reconfigurable
// parallelism with process-level pause/resume.
type Scheduler struct {
	ffmpegPath string

	cmdCh     chan command
	responses chan<- protocol.Response

	rootCtx context.Context

	limit   atomic.Int64
	running atomic.Int64
	paused  atomic.Bool
	wake    *broadcaster

	mu   sync.RWMutex
	jobs map[string]*jobEntry

	wg sync.WaitGroup
}

// New creates a Scheduler. responses is the outbound channel consumed by
// the single writer task (C5); rootCtx is the server-wide shutdown context.
func New(rootCtx context.Context, ffmpegPath string, responses chan<- protocol.Response, initialLimit int) *Scheduler {
	if initialLimit < 1 {
		initialLimit = 1
	}
	s := &Scheduler{
		ffmpegPath: ffmpegPath,
		cmdCh:      make(chan command, cmdChanCap),
		responses:  responses,
		rootCtx:    rootCtx,
		wake:       newBroadcaster(),
		jobs:       make(map[string]*jobEntry),
	}
	s.limit.Store(int64(initialLimit))
	return s
}

// Run is the scheduler's single serial command-processing loop. It returns
// when rootCtx is cancelled and every spawned worker has exited.
func (s *Scheduler) Run() {
	for {
		select {
		case <-s.rootCtx.Done():
			s.wg.Wait()
			return
		case cmd := <-s.cmdCh:
			s.handle(cmd)
		}
	}
}

func (s *Scheduler) handle(cmd command) {
	switch cmd.kind {
	case "add":
		s.admit(cmd.job)
	case "cancel":
		s.mu.RLock()
		entry, ok := s.jobs[cmd.cancelID]
		s.mu.RUnlock()
		if !ok {
			return
		}
		if s.paused.Load() && entry.pidSlot != nil {
			if pid := entry.pidSlot.Load(); pid != 0 {
				_ = syscall.Kill(int(pid), syscall.SIGCONT)
			}
		}
		entry.cancel()
	case "setParallel":
		n := int64(cmd.newLimit)
		if n < 1 {
			n = 1
		}
		s.limit.Store(n)
		s.wake.broadcast()
	case "pauseAll":
		s.paused.Store(true)
		s.mu.RLock()
		for _, e := range s.jobs {
			if e.state == "running" && e.pidSlot != nil {
				if pid := e.pidSlot.Load(); pid != 0 {
					_ = syscall.Kill(int(pid), syscall.SIGSTOP)
				}
			}
		}
		s.mu.RUnlock()
	case "resumeAll":
		s.paused.Store(false)
		s.mu.RLock()
		for _, e := range s.jobs {
			if e.state == "running" && e.pidSlot != nil {
				if pid := e.pidSlot.Load(); pid != 0 {
					_ = syscall.Kill(int(pid), syscall.SIGCONT)
				}
			}
		}
		s.mu.RUnlock()
		s.wake.broadcast()
	case "status":
		s.mu.Lock()
		var out []protocol.JobStatus
		for id, e := range s.jobs {
			if e.state == "queued" || e.state == "running" {
				out = append(out, protocol.JobStatus{ID: id, InputPath: e.inputPath, Mode: e.mode, Status: e.state, Percent: e.percent})
			} else {
				delete(s.jobs, id)
			}
		}
		s.mu.Unlock()
		cmd.statusResp <- out
	}
}

// AddJob enqueues an add_job command.
func (s *Scheduler) AddJob(id, inputPath, outputDir string, mode protocol.JobMode, opts protocol.JobOptions) {
	s.cmdCh <- command{kind: "add", job: addJob{id: id, inputPath: inputPath, outputDir: outputDir, mode: mode, options: opts.WithDefaults()}}
}

// CancelJob enqueues a cancel_job command.
func (s *Scheduler) CancelJob(id string) { s.cmdCh <- command{kind: "cancel", cancelID: id} }

// SetMaxParallel enqueues a set_max_parallel command.
func (s *Scheduler) SetMaxParallel(n int) { s.cmdCh <- command{kind: "setParallel", newLimit: n} }

// PauseAll enqueues a pause_all command.
func (s *Scheduler) PauseAll() { s.cmdCh <- command{kind: "pauseAll"} }

// ResumeAll enqueues a resume_all command.
func (s *Scheduler) ResumeAll() { s.cmdCh <- command{kind: "resumeAll"} }

// GetStatus enqueues a get_status command and blocks for the snapshot.
func (s *Scheduler) GetStatus() []protocol.JobStatus {
	reply := make(chan []protocol.JobStatus, 1)
	s.cmdCh <- command{kind: "status", statusResp: reply}
	return <-reply
}

func (s *Scheduler) emit(r protocol.Response) {
	select {
	case s.responses <- r:
	case <-s.rootCtx.Done():
	}
}

// admit runs the seven-step admission sequence and, on success, spawns the
// job's worker goroutine.
func (s *Scheduler) admit(job addJob) {
	traceID := uuid.NewString()
	log.Printf("[%s] admitting job %s mode=%s input=%s", traceID, job.id, job.mode, job.inputPath)

	inputPath, err := filepath.Abs(job.inputPath)
	if err == nil {
		inputPath, err = filepath.EvalSymlinks(inputPath)
	}
	if err != nil {
		s.emit(protocol.JobError(job.id, fmt.Sprintf("bad input path: %v", err)))
		return
	}

	outDir := job.outputDir
	if job.options.OutputSubfolder != "" {
		outDir = filepath.Join(outDir, job.options.OutputSubfolder)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		s.emit(protocol.JobError(job.id, fmt.Sprintf("output directory: %v", err)))
		return
	}
	outDir, err = filepath.Abs(outDir)
	if err != nil {
		s.emit(protocol.JobError(job.id, fmt.Sprintf("output directory: %v", err)))
		return
	}

	outputPath := filepath.Join(outDir, outputName(inputPath, job.options, job.mode))

	if job.options.SkipIfExists {
		if _, err := os.Stat(outputPath); err == nil {
			s.emit(protocol.JobQueued(job.id))
			s.emit(protocol.JobDone(job.id))
			return
		}
	}

	ctx, cancel := context.WithCancel(s.rootCtx)

	if kind, isRaw := rawbridge.BridgeForMode(job.mode); isRaw {
		s.admitRaw(ctx, cancel, kind, job, inputPath, outputPath)
		return
	}
	s.admitStandard(ctx, cancel, job, inputPath, outputPath)
}

func (s *Scheduler) admitRaw(ctx context.Context, cancel context.CancelFunc, kind rawbridge.Kind, job addJob, inputPath, outputPath string) {
	meta, err := rawbridge.Probe(ctx, kind, inputPath)
	if err != nil {
		cancel()
		s.emit(protocol.JobError(job.id, fmt.Sprintf("probe failed: %v", err)))
		return
	}
	// The RAW pipeline reports percent from the bridge's own frame count,
	// so meta.DurationUs() is not needed during admission.

	var audioWavPath string
	if kind == rawbridge.RawB {
		audioWavPath = filepath.Join(os.TempDir(), fmt.Sprintf("transcode-worker-%s.wav", job.id))
		if err := rawbridge.ExtractAudio(ctx, inputPath, audioWavPath); err != nil {
			audioWavPath = "" // no audio available; proceed video-only
		}
	}

	divisor := ffmpeg.DebayerDivisor(job.options.DebayerQuality)
	width := meta.Width / divisor
	height := meta.Height / divisor

	ffmpegArgs := ffmpeg.BuildRawInputArgs(width, height, meta.FPSNum, meta.FPSDen, audioWavPath, meta.Timecode, outputPath, job.options)

	entry := &jobEntry{id: job.id, inputPath: inputPath, mode: job.mode, state: "queued", cancel: cancel, pidSlot: new(atomic.Uint32)}
	s.mu.Lock()
	s.jobs[job.id] = entry
	s.mu.Unlock()
	s.emit(protocol.JobQueued(job.id))

	s.spawnWorker(ctx, entry, func(events chan ffmpeg.Event) error {
		debayerQuality := string(job.options.DebayerQuality)
		return rawbridge.Run(ctx, kind, job.id, inputPath, debayerQuality, s.ffmpegPath, ffmpegArgs, outputPath, meta, audioWavPath, events, entry.pidSlot)
	})
}

func (s *Scheduler) admitStandard(ctx context.Context, cancel context.CancelFunc, job addJob, inputPath, outputPath string) {
	var durationUs int64
	var pixFmt string
	needsPixFmt := job.options.HWAccel == protocol.HWAccelNVENC && job.mode == protocol.ModeProxy

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := probeDuration(gctx, inputPath)
		durationUs = d
		return err
	})
	if needsPixFmt {
		g.Go(func() error {
			pixFmt, _ = probePixFmt(gctx, inputPath) // probe failure -> safe hybrid fallback
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cancel()
		s.emit(protocol.JobError(job.id, fmt.Sprintf("duration probe failed: %v", err)))
		return
	}

	fullGPU := needsPixFmt && ffmpeg.NVENCFullGPUSupported(pixFmt)

	args := ffmpeg.BuildInputArgs(inputPath, outputPath, job.mode, job.options, fullGPU)

	entry := &jobEntry{id: job.id, inputPath: inputPath, mode: job.mode, state: "queued", cancel: cancel, pidSlot: new(atomic.Uint32)}
	s.mu.Lock()
	s.jobs[job.id] = entry
	s.mu.Unlock()
	s.emit(protocol.JobQueued(job.id))

	s.spawnWorker(ctx, entry, func(events chan ffmpeg.Event) error {
		return ffmpeg.Run(ctx, job.id, s.ffmpegPath, args, durationUs, outputPath, events, entry.pidSlot)
	})
}

// spawnWorker runs the gate-wait -> run -> teardown lifecycle described in
// spec.md 4.4(a)-(f) in one goroutine, with a deferred recover() that turns
// a worker panic into a job_error instead of silently losing the job.
func (s *Scheduler) spawnWorker(ctx context.Context, entry *jobEntry, run func(chan ffmpeg.Event) error) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.finishTerminal(entry, protocol.JobError(entry.id, fmt.Sprintf("worker panic: %v", r)))
			}
		}()
		s.runWorker(ctx, entry, run)
	}()
}

func (s *Scheduler) runWorker(ctx context.Context, entry *jobEntry, run func(chan ffmpeg.Event) error) {
	if !s.acquireSlot(ctx) {
		s.mu.Lock()
		delete(s.jobs, entry.id)
		s.mu.Unlock()
		s.emit(protocol.JobCancelled(entry.id))
		return
	}
	defer func() {
		s.running.Add(-1)
		s.wake.broadcast()
		s.mu.Lock()
		delete(s.jobs, entry.id)
		s.mu.Unlock()
	}()

	s.mu.Lock()
	entry.state = "running"
	s.mu.Unlock()

	events := make(chan ffmpeg.Event, eventChanCap)
	runErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				runErr <- fmt.Errorf("runner panic: %v", r)
			}
		}()
		runErr <- run(events)
	}()

	var sawTerminal bool
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case ffmpeg.EventProgress:
				s.mu.Lock()
				entry.percent = ev.Percent
				s.mu.Unlock()
				s.emit(protocol.JobProgress(entry.id, ev.Percent, ev.FPS, ev.Speed, ev.Frame))
			case ffmpeg.EventDone:
				sawTerminal = true
				s.mu.Lock()
				entry.state = "done"
				entry.percent = 100
				s.mu.Unlock()
				s.emit(protocol.JobDone(entry.id))
			case ffmpeg.EventError:
				sawTerminal = true
				s.mu.Lock()
				entry.state = "error"
				s.mu.Unlock()
				s.emit(protocol.JobError(entry.id, ev.Message))
			case ffmpeg.EventCancelled:
				sawTerminal = true
				s.mu.Lock()
				entry.state = "cancelled"
				s.mu.Unlock()
				s.emit(protocol.JobCancelled(entry.id))
			}
			if sawTerminal {
				<-runErr
				return
			}
		case err := <-runErr:
			if !sawTerminal {
				if err != nil {
					s.finishTerminal(entry, protocol.JobError(entry.id, fmt.Sprintf("runner failed without a terminal event: %v", err)))
				} else {
					s.finishTerminal(entry, protocol.JobError(entry.id, "runner exited without a terminal event"))
				}
			}
			return
		}
	}
}

func (s *Scheduler) finishTerminal(entry *jobEntry, resp protocol.Response) {
	s.mu.Lock()
	entry.state = "error"
	s.mu.Unlock()
	s.emit(resp)
}

// acquireSlot blocks until the job may start (gated by limit/running) or
// ctx is cancelled, in which case it returns false.
func (s *Scheduler) acquireSlot(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		if s.paused.Load() {
			select {
			case <-s.wake.wait():
				continue
			case <-ctx.Done():
				return false
			}
		}
		for {
			cur := s.running.Load()
			lim := s.limit.Load()
			if cur >= lim {
				break
			}
			if s.running.CompareAndSwap(cur, cur+1) {
				return true
			}
		}
		select {
		case <-s.wake.wait():
		case <-ctx.Done():
			return false
		}
	}
}

func outputName(inputPath string, opts protocol.JobOptions, mode protocol.JobMode) string {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	ext := ffmpeg.OutputExtension(mode, opts.ProxyCodec)
	return fmt.Sprintf("%s%s.%s", stem, opts.OutputSuffix, ext)
}

func probeDuration(ctx context.Context, inputPath string) (int64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-show_entries", "format=duration", "-of", "json", inputPath)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	var parsed struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return 0, fmt.Errorf("ffprobe output: %w", err)
	}
	seconds, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w", err)
	}
	return int64(seconds * 1_000_000), nil
}

func probePixFmt(ctx context.Context, inputPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=pix_fmt", "-of", "default=noprint_wrappers=1:nokey=1", inputPath)
	out, err := cmd.Output()
	if err != nil {
		log.Printf("pix_fmt probe failed for %s, falling back to hybrid: %v", inputPath, err)
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

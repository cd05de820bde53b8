// Package ipc implements the request/response frontend (C5): a line
// reader over standard input dispatching into the scheduler, and a single
// writer task owning standard output.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"transcode-worker/pkg/protocol"
)

// Dispatcher is the subset of scheduler.Scheduler the frontend depends on.
type Dispatcher interface {
	AddJob(id, inputPath, outputDir string, mode protocol.JobMode, opts protocol.JobOptions)
	CancelJob(id string)
	SetMaxParallel(n int)
	PauseAll()
	ResumeAll()
	GetStatus() []protocol.JobStatus
}

const maxLineBytes = 1 << 20 // large enough for option-heavy add_job lines

// ReadLoop consumes NDJSON requests from r line by line until EOF or ctx is
// done. Malformed lines are logged and skipped; they never crash the
// server. On EOF (parent process died) it calls shutdown.
func ReadLoop(ctx context.Context, r io.Reader, sched Dispatcher, responses chan<- protocol.Response, shutdown context.CancelFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := protocol.ParseRequest(line)
		if err != nil {
			log.Printf("malformed request: %v", err)
			continue
		}
		if !dispatch(req, sched, responses) {
			shutdown()
			return
		}
	}
	// EOF or read error: the parent's pipe closed.
	shutdown()
}

// dispatch handles one parsed request. It returns false when a shutdown
// request was received.
func dispatch(req protocol.Request, sched Dispatcher, responses chan<- protocol.Response) bool {
	switch req.Type {
	case protocol.ReqAddJob:
		if !req.Mode.Valid() {
			responses <- protocol.JobError(req.ID, fmt.Sprintf("unknown mode: %q", req.Mode))
			return true
		}
		sched.AddJob(req.ID, req.InputPath, req.OutputDir, req.Mode, req.Options)
	case protocol.ReqCancelJob:
		sched.CancelJob(req.ID)
	case protocol.ReqSetMaxParallel:
		sched.SetMaxParallel(req.N)
	case protocol.ReqPauseAll:
		sched.PauseAll()
	case protocol.ReqResumeAll:
		sched.ResumeAll()
	case protocol.ReqGetStatus:
		responses <- protocol.StatusReport(sched.GetStatus())
	case protocol.ReqShutdown:
		return false
	default:
		log.Printf("unrecognized request type: %q", req.Type)
	}
	return true
}

// WriteLoop is the single writer task: it owns w and serializes every
// Response arriving on responses, eliminating interleaving. It returns when
// responses is closed.
func WriteLoop(w io.Writer, responses <-chan protocol.Response) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for resp := range responses {
		if err := enc.Encode(resp); err != nil {
			log.Printf("encode response: %v", err)
			continue
		}
		if err := bw.Flush(); err != nil {
			log.Printf("flush response: %v", err)
		}
	}
}

// GracefulShutdownCeiling is the maximum time the scheduler is given to
// finish its in-flight workers after shutdown before the process aborts
// outright.
const GracefulShutdownCeiling = 5 * time.Second

package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcode-worker/pkg/protocol"
)

type fakeDispatcher struct {
	added      []string
	cancelled  []string
	maxParallel int
	paused     bool
	status     []protocol.JobStatus
}

func (f *fakeDispatcher) AddJob(id, inputPath, outputDir string, mode protocol.JobMode, opts protocol.JobOptions) {
	f.added = append(f.added, id)
}
func (f *fakeDispatcher) CancelJob(id string)      { f.cancelled = append(f.cancelled, id) }
func (f *fakeDispatcher) SetMaxParallel(n int)     { f.maxParallel = n }
func (f *fakeDispatcher) PauseAll()                { f.paused = true }
func (f *fakeDispatcher) ResumeAll()                { f.paused = false }
func (f *fakeDispatcher) GetStatus() []protocol.JobStatus { return f.status }

func TestReadLoopDispatchesAddJob(t *testing.T) {
	input := strings.NewReader(`{"type":"add_job","id":"j1","input_path":"/a.mov","output_dir":"/out","mode":"proxy"}` + "\n")
	f := &fakeDispatcher{}
	responses := make(chan protocol.Response, 8)
	ctx, shutdown := context.WithCancel(context.Background())

	ReadLoop(ctx, input, f, responses, shutdown)

	require.Equal(t, []string{"j1"}, f.added)
	select {
	case <-ctx.Done():
	default:
		t.Fatal("EOF should have triggered shutdown")
	}
}

func TestReadLoopSkipsMalformedLines(t *testing.T) {
	input := strings.NewReader("not json\n\n" + `{"type":"get_status"}` + "\n")
	f := &fakeDispatcher{status: []protocol.JobStatus{{ID: "x"}}}
	responses := make(chan protocol.Response, 8)
	ctx, shutdown := context.WithCancel(context.Background())

	ReadLoop(ctx, input, f, responses, shutdown)

	select {
	case resp := <-responses:
		assert.Equal(t, protocol.RespStatusReport, resp.Type)
		assert.Len(t, resp.Jobs, 1)
	default:
		t.Fatal("expected a status_report response")
	}
}

func TestReadLoopShutdownRequestStopsWithoutEOF(t *testing.T) {
	input := strings.NewReader(`{"type":"shutdown"}` + "\n" + `{"type":"add_job","id":"late"}` + "\n")
	f := &fakeDispatcher{}
	responses := make(chan protocol.Response, 8)
	ctx, shutdown := context.WithCancel(context.Background())

	ReadLoop(ctx, input, f, responses, shutdown)

	assert.Empty(t, f.added, "request following shutdown must not be processed")
	select {
	case <-ctx.Done():
	default:
		t.Fatal("shutdown request should have cancelled ctx")
	}
}

func TestReadLoopRejectsUnknownMode(t *testing.T) {
	input := strings.NewReader(`{"type":"add_job","id":"bad","mode":"not_a_mode"}` + "\n")
	f := &fakeDispatcher{}
	responses := make(chan protocol.Response, 8)
	ctx, shutdown := context.WithCancel(context.Background())

	ReadLoop(ctx, input, f, responses, shutdown)

	assert.Empty(t, f.added)
	select {
	case resp := <-responses:
		assert.Equal(t, protocol.RespJobError, resp.Type)
		assert.Equal(t, "bad", resp.ID)
	default:
		t.Fatal("expected a job_error response for the unrecognized mode")
	}
}

func TestWriteLoopSerializesResponses(t *testing.T) {
	var buf bytes.Buffer
	responses := make(chan protocol.Response, 2)
	responses <- protocol.JobQueued("j1")
	responses <- protocol.JobDone("j1")
	close(responses)

	done := make(chan struct{})
	go func() {
		WriteLoop(&buf, responses)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WriteLoop did not return after channel close")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var r1 protocol.Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &r1))
	assert.Equal(t, protocol.RespJobQueued, r1.Type)
}

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestAddJob(t *testing.T) {
	line := []byte(`{"type":"add_job","id":"j1","input_path":"/tmp/a.mov","output_dir":"/tmp/out","mode":"proxy","options":{"proxy_codec":"h264","hw_accel":"none"}}`)
	req, err := ParseRequest(line)
	require.NoError(t, err)
	assert.Equal(t, ReqAddJob, req.Type)
	assert.Equal(t, "j1", req.ID)
	assert.Equal(t, ModeProxy, req.Mode)
	assert.Equal(t, CodecH264, req.Options.ProxyCodec)
	assert.True(t, req.Mode.Valid())
}

func TestParseRequestMissingType(t *testing.T) {
	_, err := ParseRequest([]byte(`{"id":"j1"}`))
	assert.Error(t, err)
}

func TestParseRequestMalformedJSON(t *testing.T) {
	_, err := ParseRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestJobModeValid(t *testing.T) {
	assert.True(t, ModeRewrap.Valid())
	assert.True(t, ModeRawAProxy.Valid())
	assert.False(t, JobMode("bogus").Valid())
}

func TestJobOptionsWithDefaults(t *testing.T) {
	opts := JobOptions{}.WithDefaults()
	assert.Equal(t, "pcm_s24le", opts.AudioCodec)
	assert.Equal(t, CodecH264, opts.ProxyCodec)
	assert.Equal(t, HWAccelNone, opts.HWAccel)
	assert.Equal(t, DebayerPremium, opts.DebayerQuality)
}

func TestJobOptionsWithDefaultsPreservesSetFields(t *testing.T) {
	opts := JobOptions{ProxyCodec: CodecAV1}.WithDefaults()
	assert.Equal(t, CodecAV1, opts.ProxyCodec)
}

func TestResponseConstructors(t *testing.T) {
	assert.Equal(t, RespJobQueued, JobQueued("j1").Type)
	assert.Equal(t, RespJobDone, JobDone("j1").Type)
	assert.Equal(t, RespJobCancelled, JobCancelled("j1").Type)

	errResp := JobError("j1", "boom")
	assert.Equal(t, RespJobError, errResp.Type)
	assert.Equal(t, "boom", errResp.Message)

	progress := JobProgress("j1", 50, 29.97, 1.5, 100)
	assert.Equal(t, RespJobProgress, progress.Type)
	assert.Equal(t, float32(50), progress.Percent)

	report := StatusReport([]JobStatus{{ID: "j1"}})
	assert.Equal(t, RespStatusReport, report.Type)
	assert.Len(t, report.Jobs, 1)
}

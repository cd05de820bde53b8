package rawbridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcode-worker/pkg/protocol"
)

func TestMetadataDurationUs(t *testing.T) {
	m := Metadata{FrameCount: 240, FPSNum: 24, FPSDen: 1}
	assert.Equal(t, int64(10_000_000), m.DurationUs())
}

func TestMetadataDurationUsZeroFPSNum(t *testing.T) {
	m := Metadata{FrameCount: 10, FPSNum: 0, FPSDen: 1}
	assert.Equal(t, int64(0), m.DurationUs())
}

func TestBridgeForMode(t *testing.T) {
	kind, ok := BridgeForMode(protocol.ModeRawAProxy)
	require.True(t, ok)
	assert.Equal(t, RawA, kind)

	kind, ok = BridgeForMode(protocol.ModeRawBProxy)
	require.True(t, ok)
	assert.Equal(t, RawB, kind)

	_, ok = BridgeForMode(protocol.ModeProxy)
	assert.False(t, ok)
}

func TestFindBridgeEnvVarOverride(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "my-bridge")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755))

	t.Setenv("RAW_A_BRIDGE_PATH", fake)
	assert.Equal(t, fake, FindBridge(RawA))
}

func TestFindBridgeFallsBackToPathName(t *testing.T) {
	t.Setenv("RAW_B_BRIDGE_PATH", "")
	assert.Equal(t, "raw-b-bridge", FindBridge(RawB))
}

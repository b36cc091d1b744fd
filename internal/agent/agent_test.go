package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/foreman/internal/config"
)

func TestRequestDeadline(t *testing.T) {
	cfg := config.Agent{Mode: "cli", Cmd: "claude"}
	assert.Equal(t, 300*time.Second, (Request{}).deadline(cfg), "default")

	cfg.TimeoutSec = 60
	assert.Equal(t, time.Minute, (Request{}).deadline(cfg), "configured")
	assert.Equal(t, 5*time.Second, (Request{TimeoutSec: 5}).deadline(cfg), "per request")
}

func TestResponseOK(t *testing.T) {
	tests := []struct {
		resp Response
		want bool
	}{
		{Response{}, true},
		{Response{ExitCode: 1}, false},
		{Response{ExitCode: -1, Error: errors.New("timed out")}, false},
		{Response{Error: errors.New("provider 500")}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.resp.OK(), "%+v", tt.resp)
	}
}

func TestNewRunner(t *testing.T) {
	r, err := NewRunner("claude", config.Agent{Mode: "cli", Cmd: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "claude", r.Name())
	assert.Equal(t, "cli", r.Mode())

	_, err = NewRunner("x", config.Agent{Mode: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown mode")
}

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"development", DevelopmentConfig(), false},
		{"bad level", Config{Level: "loud"}, true},
		{"no outputs", Config{Level: "warn"}, false},
		{"sampled", Config{Level: "info", Sample: Sampling{Initial: 10, Thereafter: 50}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l.Logger)
		})
	}
}

func TestSetLevel(t *testing.T) {
	l, err := New(Config{Level: "info"})
	require.NoError(t, err)

	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.Error(t, l.SetLevel("nope"))
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	assert.NotPanics(t, func() { l.Info("discarded") })
	assert.NotNil(t, OrNop(nil))
}

func TestFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := zap.New(core)

	l.Info("dispatch",
		Surface(id.MakeSurfaceID(3, 1)),
		Scheme("app"),
		Token("tok-1"),
	)

	require.Equal(t, 1, logs.Len())
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "surf_3v1", ctx["surface"])
	assert.Equal(t, "app", ctx["scheme"])
	assert.Equal(t, "tok-1", ctx["token"])
}

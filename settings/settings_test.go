package settings

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testSettings struct {
	Common
	ModelPath string        `flag:"model-path" env:"TEST_MODEL_PATH" required:"true" usage:"model directory"`
	Port      int           `flag:"port" env:"TEST_PORT" default:"8000"`
	Eta       float64       `flag:"eta" default:"0.001"`
	Seed      int64         `flag:"seed"`
	Init      bool          `flag:"init" env:"TEST_INIT"`
	Labels    []string      `flag:"labels" env:"TEST_LABELS" default:"negative,positive"`
	Timeout   time.Duration `flag:"timeout" default:"30s"`
	ignored   string
}

func bind(t *testing.T, args ...string) (*testSettings, *Binding) {
	t.Helper()
	s := &testSettings{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	b, err := Bind(fs, s)
	require.NoError(t, err)
	require.NoError(t, fs.Parse(args))
	return s, b
}

func TestDefaults(t *testing.T) {
	s, b := bind(t, "--model-path", "/models/x")
	require.NoError(t, b.Load())
	assert.Equal(t, "/models/x", s.ModelPath)
	assert.Equal(t, 8000, s.Port)
	assert.Equal(t, 0.001, s.Eta)
	assert.Equal(t, []string{"negative", "positive"}, s.Labels)
	assert.Equal(t, 30*time.Second, s.Timeout)
	assert.Equal(t, "info", s.LogLevel)
	assert.False(t, s.Init)
}

func TestRequired(t *testing.T) {
	_, b := bind(t)
	assert.ErrorContains(t, b.Load(), "--model-path")
}

func TestPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
model-path: /from/yaml
port: 9000
eta: 0.01
labels: [a, b, c]
init: true
`), 0644))
	t.Setenv("TEST_PORT", "9100")
	t.Setenv("TEST_MODEL_PATH", "/from/env")

	s, b := bind(t, "--config", file, "--model-path", "/from/flag")
	require.NoError(t, b.Load())
	assert.Equal(t, "/from/flag", s.ModelPath)
	assert.Equal(t, 9100, s.Port)
	assert.Equal(t, 0.01, s.Eta)
	assert.Equal(t, []string{"a", "b", "c"}, s.Labels)
	assert.True(t, s.Init)

	t.Setenv("TEST_LABELS", "x,y")
	s, b = bind(t, "--config", file)
	require.NoError(t, b.Load())
	assert.Equal(t, "/from/env", s.ModelPath)
	assert.Equal(t, []string{"x", "y"}, s.Labels)
}

func TestBadValues(t *testing.T) {
	t.Setenv("TEST_PORT", "eighty")
	_, b := bind(t, "--model-path", "m")
	assert.ErrorContains(t, b.Load(), "$TEST_PORT")

	file := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(file, []byte("eta: {a: 1}\n"), 0644))
	os.Unsetenv("TEST_PORT")
	_, b = bind(t, "--model-path", "m", "--config", file)
	assert.ErrorContains(t, b.Load(), "nested")

	_, err := Bind(pflag.NewFlagSet("x", pflag.ContinueOnError), testSettings{})
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	log, err := Logger("test", "debug")
	require.NoError(t, err)
	log.Debugw("message", "key", 1)
	_, err = Logger("test", "loud")
	assert.Error(t, err)
}

func TestNewCommand(t *testing.T) {
	s := &testSettings{}
	var got *testSettings
	cmd := NewCommand("test", "test", "test command", s, func(ctx context.Context, log *zap.SugaredLogger) error {
		got = s
		return nil
	})
	cmd.SetArgs([]string{"--model-path", "/m", "--port", "1234", "--log-level", "warn"})
	require.NoError(t, cmd.Execute())
	require.NotNil(t, got)
	assert.Equal(t, 1234, got.Port)
	assert.Equal(t, "warn", got.LogLevel)

	s = &testSettings{}
	cmd = NewCommand("test", "test", "test command", s, func(ctx context.Context, log *zap.SugaredLogger) error {
		return errors.New("failed")
	})
	cmd.SetArgs([]string{"--log-level", "warn"})
	cmd.SetErr(io.Discard)
	assert.ErrorContains(t, cmd.Execute(), "--model-path")

	cmd.SetArgs([]string{"--model-path", "/m", "--log-level", "warn"})
	assert.EqualError(t, cmd.Execute(), "failed")
}

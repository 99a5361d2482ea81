package process_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modplane/process"
	"github.com/GoCodeAlone/modplane/process/processtest"
)

func TestValidateCommand(t *testing.T) {
	assert.NoError(t, process.ValidateCommand([]string{"python3", "run_server.py", "--port=8080"}))
	assert.ErrorIs(t, process.ValidateCommand(nil), process.ErrEmptyCommand)
	assert.ErrorIs(t, process.ValidateCommand([]string{" "}), process.ErrEmptyCommand)

	for _, arg := range []string{"a;b", "a&b", "a|b", "a<b", "a>b", "`id`", "$HOME", `a\b`, "a\nb"} {
		err := process.ValidateCommand([]string{"echo", arg})
		assert.ErrorIs(t, err, process.ErrUnsafeArgument, arg)
	}
}

func TestIsolatedEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("MODPLANE_SECRET_TOKEN", "do-not-leak")

	env := process.IsolatedEnv(map[string]string{"PLUGIN_MODE": "embedded"}, map[string]string{"PLUGIN_MODE": "override"})
	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "PLUGIN_MODE=override")
	for _, kv := range env {
		assert.NotContains(t, kv, "MODPLANE_SECRET_TOKEN")
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "CLIENT_MANAGER", process.EnvKey("client-manager"))
	assert.Equal(t, "AUTH_V2", process.EnvKey("auth.v2"))
}

func TestResolver(t *testing.T) {
	base := t.TempDir()
	pluginsDir := t.TempDir()

	writeFile := func(path string, mode os.FileMode) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
	}

	env := map[string]string{"PLUGINS_DIR": pluginsDir}
	r := process.Resolver{BaseDirs: []string{base}, Getenv: func(k string) string { return env[k] }}

	_, err := r.Resolve("billing")
	assert.ErrorIs(t, err, process.ErrEntryPointNotFound)

	writeFile(filepath.Join(pluginsDir, "billing", "main.py"), 0o644)
	cmd, err := r.Resolve("billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", filepath.Join(pluginsDir, "billing", "main.py")}, cmd)

	// conventional paths win over the plugins directory
	writeFile(filepath.Join(base, "plugins", "billing", "main.py"), 0o644)
	cmd, err = r.Resolve("billing")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "plugins", "billing", "main.py"), cmd[1])

	// run_server is preferred over main in any root
	writeFile(filepath.Join(base, "external_plugins", "billing", "run_server"), 0o755)
	cmd, err = r.Resolve("billing")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(base, "external_plugins", "billing", "run_server")}, cmd)

	// non-executable files without .py are skipped
	writeFile(filepath.Join(base, "external-plugins", "billing", "run_server"), 0o644)
	cmd, err = r.Resolve("billing")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "external_plugins", "billing", "run_server"), cmd[0])

	_, err = r.Resolve("../etc")
	assert.ErrorIs(t, err, process.ErrEntryPointNotFound)
}

func TestStop_GracefulThenKill(t *testing.T) {
	ctx := context.Background()

	graceful := processtest.NewProcess(1, process.Spec{})
	require.NoError(t, process.Stop(ctx, graceful, process.GracefulSignal, time.Second))
	assert.Equal(t, []os.Signal{process.GracefulSignal}, graceful.Signals())
	assert.False(t, graceful.Killed())

	stubborn := processtest.NewProcess(2, process.Spec{})
	stubborn.IgnoreSignals()
	start := time.Now()
	require.NoError(t, process.Stop(ctx, stubborn, process.GracefulSignal, 50*time.Millisecond))
	assert.True(t, stubborn.Killed())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	exited := processtest.NewProcess(3, process.Spec{})
	exited.Crash()
	require.NoError(t, process.Stop(ctx, exited, nil, time.Second))
	assert.Empty(t, exited.Signals())
	require.NoError(t, process.Stop(ctx, nil, nil, time.Second))
}

func TestStop_CancelledContextKillsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := processtest.NewProcess(4, process.Spec{})
	p.IgnoreSignals()
	require.NoError(t, process.Stop(ctx, p, process.GracefulSignal, time.Hour))
	assert.True(t, p.Killed())
}

func TestWaitGrace(t *testing.T) {
	ctx := context.Background()
	alive := processtest.NewProcess(1, process.Spec{})
	assert.NoError(t, process.WaitGrace(ctx, alive, 10*time.Millisecond))

	dead := processtest.NewProcess(2, process.Spec{})
	dead.Crash()
	assert.ErrorIs(t, process.WaitGrace(ctx, dead, time.Second), process.ErrExitedEarly)
	assert.ErrorIs(t, process.WaitGrace(ctx, dead, 0), process.ErrExitedEarly)
}

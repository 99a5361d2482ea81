package cmd_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/cmd/modplane/cmd"
	"github.com/GoCodeAlone/modplane/sink"
)

const graphConfig = `
modules:
  - id: api
    version: 1.0.0
    dependencies: [{id: cache}, {id: db, constraint: ">=2.0"}]
  - id: cache
    version: 1.0.0
    dependencies: [{id: db}]
  - id: db
    version: 2.3.0
  - id: reports
    version: 1.0.0
    dependencies: [{id: db, constraint: "<2.0"}]
services:
  - name: auth
    command: [python3, auth.py]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := cmd.NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "loads capability modules in dependency order")
	for _, sub := range []string{"serve", "validate", "order", "plan", "events", "version"} {
		assert.Contains(t, out, sub)
	}

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "modplane vdev")
}

func TestOrderCommand(t *testing.T) {
	path := writeFile(t, "modplane.yaml", graphConfig)

	out, err := execute(t, "order", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, "level 0: db\nlevel 1: cache, reports\nlevel 2: api\n", out)

	out, err = execute(t, "order", "-c", path, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"order": [`)
}

func TestPlanCommand(t *testing.T) {
	path := writeFile(t, "modplane.yaml", graphConfig)

	out, err := execute(t, "plan", "-c", path, "api")
	require.NoError(t, err)
	assert.Equal(t, "loadable: db, cache, api\n", out)

	out, err = execute(t, "plan", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "blocked: reports:")
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "-c", writeFile(t, "modplane.yaml", graphConfig))
	require.Error(t, err)
	assert.Contains(t, out, "reports:")
	assert.Contains(t, err.Error(), "1 dependency problems")

	ok := writeFile(t, "ok.yaml", "modules:\n  - id: db\n    version: 1.0.0\n  - id: api\n    version: 1.0.0\n    dependencies: [{id: db}]\n")
	out, err = execute(t, "validate", "-c", ok)
	require.NoError(t, err)
	assert.Equal(t, "configuration OK: 2 modules, 0 services\n", out)

	cycle := writeFile(t, "cycle.yaml", "modules:\n  - id: a\n    version: 1.0.0\n    dependencies: [{id: b}]\n  - id: b\n    version: 1.0.0\n    dependencies: [{id: a}]\n")
	_, err = execute(t, "validate", "-c", cycle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateCommand_DiscoveredPlugins(t *testing.T) {
	plugins := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(plugins, "billing"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plugins, "billing", "plugin.yaml"),
		[]byte("id: billing\nname: Billing\nversion: 1.0.0\ndepends_on: [db]\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(plugins, "broken"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plugins, "broken", "plugin.json"), []byte("{"), 0o600))

	path := writeFile(t, "modplane.yaml",
		"discovery:\n  enabled: true\n  dir: "+plugins+"\nmodules:\n  - id: db\n    version: 1.0.0\n")
	out, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "invalid manifest")
	assert.Contains(t, out, "configuration OK: 2 modules, 0 services")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEventsCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := cmd.NewRootCommand()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetArgs([]string{"events", "--redis", mr.Addr(), "--channel", "events"})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return len(mr.PubSubChannels("events")) == 1 }, 2*time.Second, 5*time.Millisecond)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	pub, err := sink.NewRedisPublisher(client, "events", nil)
	require.NoError(t, err)
	event := modplane.NewCloudEvent(modplane.EventTypeModuleRegistered, "test", map[string]any{"module": "db"}, nil)
	require.NoError(t, pub.OnEvent(ctx, event))

	require.Eventually(t, func() bool { return strings.Contains(out.String(), event.ID()) }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

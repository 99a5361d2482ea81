package adminhttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/config"
	"github.com/GoCodeAlone/modplane/controlplane"
	"github.com/GoCodeAlone/modplane/flagstore"
	"github.com/GoCodeAlone/modplane/mode"
	"github.com/GoCodeAlone/modplane/process/processtest"
)

type noopRunnable struct{}

func (noopRunnable) Start(context.Context) error { return nil }
func (noopRunnable) Stop(context.Context) error  { return nil }

type record struct {
	level string
	msg   string
	args  []any
}

type recordingLogger struct {
	mu      sync.Mutex
	records []record
}

func (l *recordingLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	l.records = append(l.records, record{level, msg, args})
	l.mu.Unlock()
}

func (l *recordingLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.add("error", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *recordingLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }

func (l *recordingLogger) requests() []record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []record
	for _, r := range l.records {
		if r.msg == "http_request" {
			out = append(out, r)
		}
	}
	return out
}

func newServer(t *testing.T) (*httptest.Server, *recordingLogger) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Health.Enabled = false
	cfg.Lifecycle.StartGrace = config.Duration(5 * time.Millisecond)
	cfg.Mode.StartGrace = config.Duration(5 * time.Millisecond)
	cfg.Modules = []config.ModuleConfig{
		{ID: "db", Version: "1.0.0"},
		{ID: "api", Version: "1.0.0", Dependencies: []config.DependencyEntry{{ID: "db"}}},
		{ID: "billing", Version: "1.0.0", Command: []string{"python3", "billing.py"}, SupportedModes: []string{"in_process", "embedded"}, SwitchPermitted: true},
	}
	cfg.Services = []config.ServiceConfig{{Name: "auth", Command: []string{"python3", "auth.py"}}}

	host := mode.NewLocalHost()
	for _, m := range cfg.Modules {
		host.RegisterFactory(m.ID, func() (mode.Runnable, error) { return noopRunnable{}, nil })
	}
	reg := prometheus.NewRegistry()
	cp, err := controlplane.New(context.Background(), controlplane.Options{
		Config:     cfg,
		Subject:    modplane.NewEventSubject(nil, modplane.WithSynchronousDelivery()),
		Store:      flagstore.NewMemoryStore(),
		Host:       host,
		Starter:    processtest.NewStarter(),
		Registerer: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Shutdown(context.Background()) })

	logger := &recordingLogger{}
	srv := httptest.NewServer(NewRouter(cp, WithLogger(logger), WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))))
	t.Cleanup(srv.Close)
	return srv, logger
}

func call(t *testing.T, srv *httptest.Server, method, path, body string) (int, modplane.Result) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var res modplane.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

func TestModuleEndpoints(t *testing.T) {
	srv, _ := newServer(t)

	code, res := call(t, srv, http.MethodGet, "/modules", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, res.Data, 3)

	code, res = call(t, srv, http.MethodPost, "/modules/db/start", "")
	require.Equal(t, http.StatusOK, code, res.Message)
	code, _ = call(t, srv, http.MethodPost, "/modules/api/start", "")
	require.Equal(t, http.StatusOK, code)

	code, res = call(t, srv, http.MethodGet, "/modules/db", "")
	require.Equal(t, http.StatusOK, code)
	view := res.Data["module"].(map[string]any)
	assert.Equal(t, true, view["running"])
	assert.Equal(t, "running", view["state"])

	code, res = call(t, srv, http.MethodPost, "/modules/db/stop", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"api"}, res.Data["running_dependents"])

	code, _ = call(t, srv, http.MethodPost, "/modules/db/disable", "")
	require.Equal(t, http.StatusOK, code)
	code, res = call(t, srv, http.MethodPost, "/modules/db/start", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, res.Message, "disabled")
	code, _ = call(t, srv, http.MethodPost, "/modules/db/enable", "")
	assert.Equal(t, http.StatusOK, code)

	code, res = call(t, srv, http.MethodGet, "/modules/ghost", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, res.Message, "ghost")
	code, _ = call(t, srv, http.MethodPost, "/modules/ghost/restart", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSwitchModeEndpoint(t *testing.T) {
	srv, _ := newServer(t)

	code, res := call(t, srv, http.MethodPost, "/modules/billing/mode", `{"strategy": "embedded", "restart": true}`)
	require.Equal(t, http.StatusOK, code, res.Message)
	assert.Contains(t, res.Message, "switched from in_process to embedded")

	code, res = call(t, srv, http.MethodPost, "/modules/billing/mode", `{"strategy": "external"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, res.Success)

	code, _ = call(t, srv, http.MethodPost, "/modules/billing/mode", `{"strategy": 7}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = call(t, srv, http.MethodPost, "/modules/billing/mode", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = call(t, srv, http.MethodPost, "/modules/billing/mode", `{"strategy": "embedded", "force": true}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPlanAndDependencies(t *testing.T) {
	srv, _ := newServer(t)

	code, res := call(t, srv, http.MethodGet, "/plan?targets=api", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"db", "api"}, res.Data["order"].([]any)[:2])

	code, res = call(t, srv, http.MethodGet, "/dependencies", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "3 modules", res.Message)
}

func TestServiceEndpoints(t *testing.T) {
	srv, _ := newServer(t)

	code, res := call(t, srv, http.MethodGet, "/services", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, res.Data, "auth")

	code, _ = call(t, srv, http.MethodPost, "/services/ghost/start", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = call(t, srv, http.MethodPost, "/services/auth/stop?graceful=maybe", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetricsAndRequestLog(t *testing.T) {
	srv, logger := newServer(t)

	code, _ := call(t, srv, http.MethodPost, "/modules/db/start", "")
	require.Equal(t, http.StatusOK, code)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `modplane_module_state{module="db",state="running"} 1`)

	call(t, srv, http.MethodGet, "/modules/ghost", "")
	reqs := logger.requests()
	require.GreaterOrEqual(t, len(reqs), 3)
	first := reqs[0]
	assert.Equal(t, "info", first.level)
	assert.Equal(t, []any{"method", "POST", "path", "/modules/{id}/start", "status", 200}, first.args[:6])
	last := reqs[len(reqs)-1]
	assert.Equal(t, "warn", last.level)
	assert.Equal(t, 404, last.args[5])
}

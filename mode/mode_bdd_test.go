package mode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/GoCodeAlone/modplane/process/processtest"
	"github.com/GoCodeAlone/modplane/registry"
)

// ModeBDDTestContext holds state for the strategy switching scenarios
type ModeBDDTestContext struct {
	manager  *Manager
	starter  *processtest.Starter
	host     *LocalHost
	registry *registry.Registry
	remote   *httptest.Server
	env      map[string]string
	lastErr  error
}

func (ctx *ModeBDDTestContext) reset() {
	if ctx.manager != nil {
		_ = ctx.manager.Cleanup(context.Background())
	}
	if ctx.remote != nil {
		ctx.remote.Close()
		ctx.remote = nil
	}
	ctx.starter = processtest.NewStarter()
	ctx.host = NewLocalHost()
	ctx.registry = registry.NewRegistry(nil)
	ctx.env = map[string]string{}
	ctx.lastErr = nil
	ctx.manager = NewManager(nil,
		WithHost(ctx.host),
		WithRegistry(ctx.registry),
		WithStarter(ctx.starter),
		WithGetenv(func(k string) string { return ctx.env[k] }),
	)
}

func (ctx *ModeBDDTestContext) moduleRunsInProcessAndSupports(id, supported string) error {
	var starts, stops atomic.Int32
	ctx.host.RegisterFactory(id, func() (Runnable, error) {
		return countingRunnable{starts: &starts, stops: &stops}, nil
	})
	var strategies []Strategy
	for _, s := range strings.Split(supported, ",") {
		parsed, err := ParseStrategy(s)
		if err != nil {
			return err
		}
		strategies = append(strategies, parsed)
	}
	return ctx.manager.Register(Descriptor{
		ID:              id,
		Current:         StrategyInProcess,
		Supported:       strategies,
		SwitchPermitted: true,
		Command:         []string{"python3", "run_server.py"},
		StartGrace:      time.Millisecond,
		StopGrace:       20 * time.Millisecond,
	})
}

func (ctx *ModeBDDTestContext) moduleHasBeenStarted(id string) error {
	return ctx.manager.Start(context.Background(), id)
}

func (ctx *ModeBDDTestContext) moduleIsReachableRemotely(id string) error {
	ctx.remote = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ctx.env[strings.ToUpper(id)+"_BASE_URL"] = ctx.remote.URL
	return nil
}

func (ctx *ModeBDDTestContext) iSwitchModuleTo(id, target string) error {
	s, err := ParseStrategy(target)
	if err != nil {
		return err
	}
	_, err = ctx.manager.SwitchMode(context.Background(), id, s, true)
	return err
}

func (ctx *ModeBDDTestContext) iTryToSwitchModuleTo(id, target string) error {
	ctx.lastErr = ctx.iSwitchModuleTo(id, target)
	return nil
}

func (ctx *ModeBDDTestContext) theSwitchShouldBeRejectedAsUnsupported() error {
	if !errors.Is(ctx.lastErr, ErrUnsupportedStrategy) {
		return fmt.Errorf("expected ErrUnsupportedStrategy, got %v", ctx.lastErr)
	}
	return nil
}

func (ctx *ModeBDDTestContext) moduleShouldRunAs(id, strategy string) error {
	st, err := ctx.manager.Status(context.Background(), id)
	if err != nil {
		return err
	}
	if string(st.Current) != strategy || !st.Active || !st.Healthy {
		return fmt.Errorf("module %s: current=%s active=%v healthy=%v", id, st.Current, st.Active, st.Healthy)
	}
	return nil
}

func (ctx *ModeBDDTestContext) subprocessesShouldBeRunning(n int) error {
	if got := len(ctx.starter.Running()); got != n {
		return fmt.Errorf("expected %d running subprocesses, got %d", n, got)
	}
	return nil
}

func (ctx *ModeBDDTestContext) noSubprocessShouldBeRunning() error {
	return ctx.subprocessesShouldBeRunning(0)
}

func (ctx *ModeBDDTestContext) noRemoteRegistrationShouldRemain() error {
	if recs := ctx.registry.List(); len(recs) != 0 {
		return fmt.Errorf("expected no remote registrations, got %d", len(recs))
	}
	return nil
}

func (ctx *ModeBDDTestContext) moduleShouldBeRegisteredRemotely(id string) error {
	if !ctx.registry.IsRegistered(id) {
		return fmt.Errorf("module %s is not registered remotely", id)
	}
	return nil
}

func TestModeSwitchingBDD(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(s *godog.ScenarioContext) {
			ctx := &ModeBDDTestContext{}
			ctx.reset()
			s.After(func(c context.Context, _ *godog.Scenario, err error) (context.Context, error) {
				ctx.reset()
				return c, err
			})

			s.Step(`^module "([^"]*)" runs in process and supports "([^"]*)"$`, ctx.moduleRunsInProcessAndSupports)
			s.Step(`^module "([^"]*)" has been started$`, ctx.moduleHasBeenStarted)
			s.Step(`^module "([^"]*)" is reachable remotely$`, ctx.moduleIsReachableRemotely)
			s.Step(`^I switch module "([^"]*)" to "([^"]*)"$`, ctx.iSwitchModuleTo)
			s.Step(`^I try to switch module "([^"]*)" to "([^"]*)"$`, ctx.iTryToSwitchModuleTo)
			s.Step(`^the switch should be rejected as unsupported$`, ctx.theSwitchShouldBeRejectedAsUnsupported)
			s.Step(`^module "([^"]*)" should run as "([^"]*)"$`, ctx.moduleShouldRunAs)
			s.Step(`^(\d+) subprocess should be running$`, ctx.subprocessesShouldBeRunning)
			s.Step(`^no subprocess should be running$`, ctx.noSubprocessShouldBeRunning)
			s.Step(`^no remote registration should remain$`, ctx.noRemoteRegistrationShouldRemain)
			s.Step(`^module "([^"]*)" should be registered remotely$`, ctx.moduleShouldBeRegisteredRemotely)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/mode_switching.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

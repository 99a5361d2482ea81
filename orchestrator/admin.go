package orchestrator

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/process"
)

// Status reports every service in start order. Health is only checked for
// running services.
func (o *Orchestrator) Status(ctx context.Context) []ServiceStatus {
	out := make([]ServiceStatus, 0, len(o.order))
	now := o.now()
	for _, name := range o.order {
		svc := o.services[name]
		o.mu.Lock()
		proc := svc.proc
		st := ServiceStatus{
			Name:      name,
			LastStart: svc.lastStart,
			DependsOn: svc.spec.DependsOn,
		}
		o.mu.Unlock()
		if svc.rejected != nil {
			st.Error = svc.rejected.Error()
		}

		st.Restarts = svc.tracker.Total()
		st.RestartsInWindow = svc.tracker.Count(now)
		if process.Alive(proc) {
			st.Running = true
			st.PID = proc.Pid()
			st.Healthy = o.healthy(ctx, svc)
		}
		out = append(out, st)
	}
	return out
}

// ServicesStatus is Status wrapped for admin surfaces.
func (o *Orchestrator) ServicesStatus(ctx context.Context) modplane.Result {
	statuses := o.Status(ctx)
	data := make(map[string]any, len(statuses))
	for _, st := range statuses {
		data[st.Name] = st
	}
	return modplane.OK(fmt.Sprintf("%d services", len(statuses)), data)
}

// Start starts a stopped service. Starting a running service succeeds
// without launching anything.
func (o *Orchestrator) Start(ctx context.Context, name string) modplane.Result {
	svc, res, ok := o.lookup(name)
	if !ok {
		return res
	}
	svc.opMu.Lock()
	defer svc.opMu.Unlock()

	o.mu.Lock()
	running := process.Alive(svc.proc)
	o.mu.Unlock()
	if running {
		return modplane.OK(fmt.Sprintf("service %s already running", name), nil)
	}
	return modplane.ResultFromError(o.startLocked(ctx, svc), fmt.Sprintf("service %s started", name))
}

// Stop stops a service. With graceful the service gets an interrupt and
// the configured grace period before it is killed.
func (o *Orchestrator) Stop(ctx context.Context, name string, graceful bool) modplane.Result {
	svc, res, ok := o.lookup(name)
	if !ok {
		return res
	}
	svc.opMu.Lock()
	defer svc.opMu.Unlock()
	o.mu.Lock()
	svc.wanted = false
	o.mu.Unlock()
	return modplane.ResultFromError(o.stopLocked(ctx, svc, graceful), fmt.Sprintf("service %s stopped", name))
}

// Restart gracefully stops and starts a service.
func (o *Orchestrator) Restart(ctx context.Context, name string) modplane.Result {
	svc, res, ok := o.lookup(name)
	if !ok {
		return res
	}
	svc.opMu.Lock()
	defer svc.opMu.Unlock()
	return modplane.ResultFromError(o.restartLocked(ctx, svc), fmt.Sprintf("service %s restarted", name))
}

func (o *Orchestrator) lookup(name string) (*managedService, modplane.Result, bool) {
	svc, ok := o.services[name]
	if !ok {
		return nil, modplane.Failed(fmt.Errorf("%w: %s", ErrServiceNotFound, name).Error()), false
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, modplane.Failed(ErrStopped.Error()), false
	}
	return svc, modplane.Result{}, true
}

package feeders

import (
	"os"
	"strings"

	"github.com/GoCodeAlone/modplane/process"
)

// PluginParams are the per-module settings that can be overridden with
// PLUGIN_<ID>_<PARAM> variables.
var PluginParams = []string{"mode", "enabled", "health_check_interval", "restart_policy", "base_url"}

// PluginEnvFeeder reads per-module overrides such as PLUGIN_BILLING_MODE.
type PluginEnvFeeder struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// NewPluginEnvFeeder creates a PluginEnvFeeder reading the process environment.
func NewPluginEnvFeeder() PluginEnvFeeder {
	return PluginEnvFeeder{}
}

// VarName returns the variable consulted for param of module id.
func VarName(id, param string) string {
	return "PLUGIN_" + process.EnvKey(id) + "_" + strings.ToUpper(param)
}

// Lookup returns the overrides set for module id, keyed by param name.
func (f PluginEnvFeeder) Lookup(id string) map[string]any {
	getenv := f.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	out := make(map[string]any)
	for _, param := range PluginParams {
		if v := getenv(VarName(id, param)); v != "" {
			out[param] = v
		}
	}
	return out
}

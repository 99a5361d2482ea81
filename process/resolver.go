package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver finds the launch command for a module id by convention.
//
// For each base directory the conventional layouts are probed in order:
//
//	external-plugins/<id>/run_server
//	external_plugins/<id>/run_server
//	plugins/<id>/run_server
//	external-plugins/<id>/main
//	external_plugins/<id>/main
//	plugins/<id>/main
//
// each as a ".py" script first and then as an executable. When nothing
// matches, <PluginsDirEnv>/<id>/{run_server,main} is tried. Python scripts
// are run with Interpreter.
type Resolver struct {
	BaseDirs      []string
	PluginsDirEnv string
	Interpreter   string
	Getenv        func(string) string
}

var (
	conventionalRoots = []string{"external-plugins", "external_plugins", "plugins"}
	entryNames        = []string{"run_server", "main"}
)

// Candidates returns every path Resolve probes for id, in order.
func (r Resolver) Candidates(id string) []string {
	bases := r.BaseDirs
	if len(bases) == 0 {
		bases = []string{"."}
	}
	var out []string
	for _, base := range bases {
		for _, name := range entryNames {
			for _, root := range conventionalRoots {
				out = append(out, withExtensions(filepath.Join(base, root, id, name))...)
			}
		}
	}
	if dir := r.pluginsDir(); dir != "" {
		for _, name := range entryNames {
			out = append(out, withExtensions(filepath.Join(dir, id, name))...)
		}
	}
	return out
}

// Resolve returns the command that starts module id.
func (r Resolver) Resolve(id string) ([]string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("%w: invalid module id %q", ErrEntryPointNotFound, id)
	}
	for _, candidate := range r.Candidates(id) {
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		abs, err := filepath.Abs(candidate)
		if err != nil {
			abs = candidate
		}
		if strings.HasSuffix(abs, ".py") {
			return []string{r.interpreter(), abs}, nil
		}
		if info.Mode().Perm()&0o111 != 0 {
			return []string{abs}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryPointNotFound, id)
}

func (r Resolver) pluginsDir() string {
	key := r.PluginsDirEnv
	if key == "" {
		key = "PLUGINS_DIR"
	}
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return getenv(key)
}

func (r Resolver) interpreter() string {
	if r.Interpreter != "" {
		return r.Interpreter
	}
	return "python3"
}

func withExtensions(base string) []string {
	return []string{base + ".py", base}
}

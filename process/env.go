package process

import (
	"os"
	"sort"
	"strings"
)

// InheritedEnv lists the parent variables an isolated child still sees.
var InheritedEnv = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TZ", "TMPDIR"}

// IsolatedEnv builds a child environment from the InheritedEnv subset of the
// parent environment plus overrides. Later override maps win. The result is
// sorted for stable process listings.
func IsolatedEnv(overrides ...map[string]string) []string {
	env := make(map[string]string, len(InheritedEnv))
	for _, key := range InheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	for _, o := range overrides {
		for k, v := range o {
			env[k] = v
		}
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// EnvKey upper-cases id and replaces characters not valid in a variable
// name, so "client-manager" becomes "CLIENT_MANAGER".
func EnvKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, id)
}

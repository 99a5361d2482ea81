// Package version compares dotted numeric module versions and evaluates
// comma-separated version constraints such as ">=1.0.0,<2.0".
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrInvalidConstraint is returned for a constraint clause that cannot be parsed.
var ErrInvalidConstraint = errors.New("invalid version constraint")

// operators ordered so that two-character forms are matched first
var operators = []string{"==", "!=", ">=", "<=", ">", "<", "="}

// Components returns the numeric components of v. Components that are not
// plain decimal numbers are dropped, so "1.x.3" yields [1 3].
func Components(v string) []int {
	parts := strings.Split(strings.TrimSpace(v), ".")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || strings.HasPrefix(p, "+") {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Compare returns -1, 0 or 1 comparing a to b component by component.
// The shorter version is padded with zeros, so "1.0" == "1.0.0".
func Compare(a, b string) int {
	pa, pb := Components(a), Components(b)
	n := max(len(pa), len(pb))
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// Satisfies reports whether version meets every clause of constraint.
// Clauses are comma separated and ANDed. Supported operators are
// == != > >= < <= and a single =; a bare version means equality. An empty
// constraint or "*" matches any version. Clauses beginning with ^ or ~ are
// evaluated as semantic version ranges.
func Satisfies(version, constraint string) (bool, error) {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "*" {
		return true, nil
	}
	for _, raw := range strings.Split(constraint, ",") {
		clause := strings.TrimSpace(raw)
		if clause == "" {
			return false, fmt.Errorf("%w: empty clause in %q", ErrInvalidConstraint, constraint)
		}
		ok, err := satisfiesClause(version, clause)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// MustSatisfy is Satisfies with malformed constraints treated as unsatisfied.
func MustSatisfy(version, constraint string) bool {
	ok, err := Satisfies(version, constraint)
	return err == nil && ok
}

func satisfiesClause(version, clause string) (bool, error) {
	if strings.HasPrefix(clause, "^") || strings.HasPrefix(clause, "~") {
		return semverRange(version, clause)
	}

	op, target := "==", clause
	for _, candidate := range operators {
		if strings.HasPrefix(clause, candidate) {
			op, target = candidate, strings.TrimSpace(clause[len(candidate):])
			break
		}
	}
	if len(Components(target)) == 0 {
		return false, fmt.Errorf("%w: %q", ErrInvalidConstraint, clause)
	}

	c := Compare(version, target)
	switch op {
	case "==", "=":
		return c == 0, nil
	case "!=":
		return c != 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	}
	return false, fmt.Errorf("%w: unknown operator in %q", ErrInvalidConstraint, clause)
}

func semverRange(version, clause string) (bool, error) {
	c, err := semver.NewConstraint(clause)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %w", ErrInvalidConstraint, clause, err)
	}
	v, err := semver.NewVersion(normalizeForSemver(version))
	if err != nil {
		return false, nil
	}
	return c.Check(v), nil
}

// normalizeForSemver renders the numeric components of v as major.minor.patch.
func normalizeForSemver(v string) string {
	parts := Components(v)
	for len(parts) < 3 {
		parts = append(parts, 0)
	}
	return fmt.Sprintf("%d.%d.%d", parts[0], parts[1], parts[2])
}

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0.0", 0},
		{"1.2.0", "1.10.0", -1},
		{"2", "1.99.99", 1},
		{"1.0.1", "1.0", 1},
		{"1.x.3", "1.3", 0},
		{"", "0.0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
		})
	}
}

func TestSatisfies(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		constraint string
		want       bool
	}{
		{"empty matches", "0.1", "", true},
		{"star matches", "9.9", "*", true},
		{"range inside", "1.5.0", ">=1.0.0,<2.0", true},
		{"range upper bound excluded", "2.0", ">=1.0.0,<2.0", false},
		{"range lower bound", "0.9", ">=1.0.0, <2.0", false},
		{"equality padding", "1.0", "==1.0.0", true},
		{"single equals", "1.2", "=1.2.0", true},
		{"bare version equality", "1.2.1", "1.2", false},
		{"not equal", "1.2.1", "!=1.2", true},
		{"greater", "1.2.1", ">1.2", true},
		{"less or equal", "1.2", "<=1.2.0", true},
		{"caret", "1.4.2", "^1.2", true},
		{"caret excludes next major", "2.0.0", "^1.2", false},
		{"tilde", "1.2.9", "~1.2.0", true},
		{"tilde excludes next minor", "1.3.0", "~1.2.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Satisfies(tt.version, tt.constraint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSatisfies_InvalidConstraint(t *testing.T) {
	for _, c := range []string{">=", ">=1.0,,<2", "latest", "^not-a-version"} {
		_, err := Satisfies("1.0", c)
		assert.ErrorIs(t, err, ErrInvalidConstraint, c)
		assert.False(t, MustSatisfy("1.0", c))
	}
}

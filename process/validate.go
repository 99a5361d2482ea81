package process

import (
	"fmt"
	"strings"
)

// shellMetacharacters are rejected anywhere in a command argument.
const shellMetacharacters = ";&|<>`$\\\n\r"

// ValidateCommand rejects an empty argument list and any argument that
// contains a shell metacharacter. Commands are always executed directly,
// never through a shell, and offending input is refused rather than cleaned.
func ValidateCommand(args []string) error {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return ErrEmptyCommand
	}
	for i, arg := range args {
		if idx := strings.IndexAny(arg, shellMetacharacters); idx >= 0 {
			return fmt.Errorf("%w: argument %d %q contains %q", ErrUnsafeArgument, i, arg, arg[idx])
		}
	}
	return nil
}

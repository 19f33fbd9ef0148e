package engine

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitFlags securely splits a configured flag string into arguments.
// It never goes through a shell.
func SplitFlags(flags string) ([]string, error) {
	if strings.TrimSpace(flags) == "" {
		return nil, nil
	}
	args, err := shlex.Split(flags)
	if err != nil {
		return nil, fmt.Errorf("invalid flag syntax: %w", err)
	}
	return args, nil
}

// ValidateFlags rejects arguments carrying shell metacharacters. exec never
// interprets them, but configured flags come from an operator-editable file
// and a typo here should fail loudly at startup, not at transfer time.
func ValidateFlags(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in flag: %s", arg)
		}
	}
	return nil
}

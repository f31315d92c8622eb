package registry

import (
	"fmt"
	"strings"
)

// ValidateCommand rejects stdio commands carrying shell metacharacters. The
// command is executed directly, never through a shell, but commands that
// only make sense under shell interpretation are misconfigurations at best.
func ValidateCommand(command string, args []string) error {
	if command == "" {
		return fmt.Errorf("command is empty")
	}

	forbidden := ";|&><$()!`*?[]{}~\\\"'\n\r"
	if strings.ContainsAny(command, forbidden) {
		return fmt.Errorf("malicious characters in command")
	}

	for _, arg := range args {
		if strings.ContainsAny(arg, forbidden) {
			return fmt.Errorf("malicious characters in argument: %s", arg)
		}
	}

	return nil
}

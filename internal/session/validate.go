package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.parley/sessions, so the
// accepted alphabet is deliberately narrow: lowercase alphanumerics,
// with dashes or underscores allowed after the first character.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName rejects names that cannot safely become a session
// directory.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use lowercase letters, digits, - or _ (leading alphanumeric, 64 max)", name)
	}
	return nil
}

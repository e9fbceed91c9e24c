// Package identity resolves the actor name stamped on transitions and
// approval decisions.
package identity

import (
	"os/user"
	"strings"
)

// SystemActor is recorded when no human identity can be determined, for
// example inside the sweeper.
const SystemActor = "system"

// Resolve picks the actor to attribute an action to. An explicit override
// (flag or config) wins; otherwise the operating system user; otherwise the
// system actor.
func Resolve(override string) string {
	if actor := strings.TrimSpace(override); actor != "" {
		return actor
	}
	if u, err := user.Current(); err == nil && strings.TrimSpace(u.Username) != "" {
		return u.Username
	}
	return SystemActor
}

package child

import "fmt"

// Policy decides what a leaf child's exit means to its supervisor.
// The names follow the usual supervision vocabulary.
type Policy int

const (
	// Permanent children are always restarted, whatever their exit reason.
	Permanent Policy = iota
	// Transient children are restarted only when they exit with an error.
	Transient
	// Temporary children are never restarted.
	Temporary
)

func (p Policy) String() string {
	switch p {
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	case Temporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// ParsePolicy parses a policy name as written in config files.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "permanent", "":
		return Permanent, nil
	case "transient":
		return Transient, nil
	case "temporary":
		return Temporary, nil
	default:
		return Permanent, fmt.Errorf("unknown restart policy %q", s)
	}
}

// Package policy decides which commands a node may execute and evaluates
// time-window scheduling policies.
package policy

// CommandPolicy computes the set of commands a node is allowed to run as the
// intersection of what the node declared and what the gateway allows.
type CommandPolicy struct {
	allowlist map[string]bool
}

// NewCommandPolicy creates a policy from the configured allowlist.
// An empty allowlist allows every declared command.
func NewCommandPolicy(allowed []string) *CommandPolicy {
	p := &CommandPolicy{}
	if len(allowed) > 0 {
		p.allowlist = make(map[string]bool, len(allowed))
		for _, cmd := range allowed {
			p.allowlist[cmd] = true
		}
	}
	return p
}

// Allow reports whether command is both declared by the node and allowed by
// the gateway configuration.
func (p *CommandPolicy) Allow(command string, declared []string) bool {
	found := false
	for _, d := range declared {
		if d == command {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if p.allowlist == nil {
		return true
	}
	return p.allowlist[command]
}

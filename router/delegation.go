package router

import (
	"regexp"
	"strings"
)

// Delegation is one sub-task extracted from a coordinating agent's
// response.
type Delegation struct {
	AgentRole string                 `json:"agent_role"`
	Task      string                 `json:"task"`
	Routing   map[string]interface{} `json:"routing"`
}

var delegationPattern = regexp.MustCompile(`(?s)\[DELEGATE:([\w-]+)\](.*?)\[/DELEGATE\]`)

// ParseDelegations scans text for delegation markers of the form
//
//	[DELEGATE:agent-role]task description[/DELEGATE]
//
// and returns them as sub-tasks. Markers with an unknown agent role or an
// empty task are skipped.
func (r *Router) ParseDelegations(text, originalQuery string) []Delegation {
	matches := delegationPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	truncatedQuery := originalQuery
	if len(truncatedQuery) > 200 {
		truncatedQuery = truncatedQuery[:200]
	}

	var delegations []Delegation
	for _, m := range matches {
		role := strings.TrimSpace(m[1])
		task := strings.TrimSpace(m[2])

		if task == "" {
			continue
		}
		if _, ok := agentSpecs[role]; !ok {
			continue
		}

		delegations = append(delegations, Delegation{
			AgentRole: role,
			Task:      task,
			Routing: map[string]interface{}{
				"source":         "delegation",
				"delegated_by":   RolePlanner,
				"original_query": truncatedQuery,
			},
		})
	}
	return delegations
}

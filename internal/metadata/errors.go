package metadata

import (
	"fmt"
	"sort"
	"strings"
)

// PendingResolutionError reports new monitoring sites whose metadata could not
// be derived from the exchange rows or the configured overrides. An operator
// must supply the listed fields.
type PendingResolutionError struct {
	// Fields lists the unresolved fields per site code
	Fields map[string][]string
}

func (e *PendingResolutionError) Error() string {
	sites := make([]string, 0, len(e.Fields))
	for site := range e.Fields {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	parts := make([]string, len(sites))
	for i, site := range sites {
		parts[i] = fmt.Sprintf("%s (%s)", site, strings.Join(e.Fields[site], ", "))
	}
	return fmt.Sprintf("new sites need manual metadata values: %s", strings.Join(parts, "; "))
}

// IsTransient returns false as the values must be supplied in configuration
func (e *PendingResolutionError) IsTransient() bool {
	return false
}

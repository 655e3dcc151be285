package agent

import (
	"context"
	"os/exec"
	"sort"
	"strings"
)

// Collector enumerates what is running on the endpoint. The mechanics are a
// platform concern; the supervisor only needs a best-effort list of names.
type Collector interface {
	Snapshot(ctx context.Context) ([]string, error)
}

// PSCollector shells out to ps, which is good enough on anything
// POSIX-shaped and avoids taking a dependency for one column of output.
type PSCollector struct{}

func (PSCollector) Snapshot(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "ps", "-eo", "comm=").Output()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		name := strings.ToLower(strings.TrimSpace(line))
		if name == "" {
			continue
		}
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

package database

import "strings"

// BranchCandidates derives the lookup candidates for a CI branch reference.
// The refs/heads/ prefix is stripped, then each suffix of the slash-separated
// name is tried longest first: "refs/heads/feature/0001-demo" yields
// ["feature/0001-demo", "0001-demo"]. Store implementations match each
// candidate against protocol_name and base_branch in order.
func BranchCandidates(ref string) []string {
	name := strings.TrimPrefix(ref, "refs/heads/")
	if name == "" {
		return nil
	}
	parts := strings.Split(name, "/")
	candidates := make([]string, 0, len(parts))
	for i := range parts {
		candidates = append(candidates, strings.Join(parts[i:], "/"))
	}
	return candidates
}

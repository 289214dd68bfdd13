// Package cli provides shared utilities for CLI commands.
package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// MatchSubjects expands a subject-id pattern against the known subject ids.
// If the pattern contains glob characters (*?[), it performs glob matching;
// otherwise it requires an exact match.
func MatchSubjects(pattern string, subjects []string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		for _, subject := range subjects {
			if subject == pattern {
				return []string{pattern}, nil
			}
		}
		return nil, fmt.Errorf("no records for subject '%s'", pattern)
	}

	var matches []string
	for _, subject := range subjects {
		matched, err := filepath.Match(pattern, subject)
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, subject)
		}
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("no subjects match pattern '%s'", pattern)
	}

	sort.Strings(matches)
	return matches, nil
}

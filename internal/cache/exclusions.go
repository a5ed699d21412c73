package cache

import (
	"fmt"
	"regexp"
	"slices"
)

// BypassList names the agents whose answers must always come from a
// provider. Set skips them and Get never serves them. An agent is listed
// either by its exact name or by any regular expression that matches it.
// The zero rules list, and a nil *BypassList, bypass nobody.
type BypassList struct {
	names map[string]struct{}
	res   []*regexp.Regexp
}

// NewBypassList builds a BypassList from agent names and regular
// expressions. Empty strings are skipped. The first expression that does not
// compile is returned as an error, naming the offending expression.
func NewBypassList(names, patterns []string) (*BypassList, error) {
	bl := &BypassList{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n != "" {
			bl.names[n] = struct{}{}
		}
	}
	for _, expr := range patterns {
		if expr == "" {
			continue
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("cache bypass: pattern %q: %w", expr, err)
		}
		bl.res = append(bl.res, re)
	}
	return bl, nil
}

// Matches reports whether agent must skip the cache. Names match
// case-sensitively; expressions match anywhere in the name unless anchored.
func (bl *BypassList) Matches(agent string) bool {
	if bl == nil {
		return false
	}
	if _, ok := bl.names[agent]; ok {
		return true
	}
	return slices.ContainsFunc(bl.res, func(re *regexp.Regexp) bool {
		return re.MatchString(agent)
	})
}

// Len is the number of rules loaded, names and expressions together, for
// startup logging. It is 0 for a nil list.
func (bl *BypassList) Len() int {
	if bl == nil {
		return 0
	}
	return len(bl.names) + len(bl.res)
}

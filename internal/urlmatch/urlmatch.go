// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package urlmatch implements the allow-list used to vet per-client
// push URLs. A pattern is either a literal URL or, when wrapped in
// forward slashes, a regular expression. All patterns are anchored at
// both ends so a partial match never passes.
package urlmatch

import (
	"regexp"
	"strings"

	"github.com/juju/errors"
)

// Matcher holds a compiled allow-list.
type Matcher struct {
	patterns []*regexp.Regexp
}

// Compile builds a matcher from configured patterns. An invalid
// regular expression is a configuration error.
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, pattern := range patterns {
		expr := pattern
		if strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") && len(pattern) > 1 {
			expr = pattern[1 : len(pattern)-1]
		} else {
			expr = regexp.QuoteMeta(normalize(pattern))
		}
		re, err := regexp.Compile("^" + expr + "$")
		if err != nil {
			return nil, errors.Annotatef(err, "invalid URL pattern %q", pattern)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match reports whether the URL is allowed. The query string and
// fragment are ignored, as is a trailing slash.
func (m *Matcher) Match(url string) bool {
	url = normalize(url)
	for _, re := range m.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

func normalize(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return strings.TrimSuffix(url, "/")
}

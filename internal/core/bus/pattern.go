package bus

import (
	"fmt"
	"strings"
)

// Topic patterns are dot-separated. "*" matches exactly one segment and a
// trailing ">" matches one or more remaining segments. Anything else is an
// exact match.
type patternMatcher struct {
	exact    string
	segments []string
	tail     bool
}

func compilePattern(pattern string) (patternMatcher, error) {
	if pattern == "" {
		return patternMatcher{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if !strings.ContainsAny(pattern, "*>") {
		return patternMatcher{exact: pattern}, nil
	}

	segments := strings.Split(pattern, ".")
	m := patternMatcher{}
	for i, seg := range segments {
		switch {
		case seg == "":
			return patternMatcher{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, pattern)
		case seg == ">":
			if i != len(segments)-1 {
				return patternMatcher{}, fmt.Errorf("%w: '>' must be the last segment in %q", ErrInvalidPattern, pattern)
			}
			m.tail = true
		case strings.ContainsAny(seg, "*>") && seg != "*":
			return patternMatcher{}, fmt.Errorf("%w: wildcard must fill a whole segment in %q", ErrInvalidPattern, pattern)
		default:
			m.segments = append(m.segments, seg)
		}
	}
	return m, nil
}

func (m patternMatcher) match(topic string) bool {
	if m.segments == nil && !m.tail {
		return topic == m.exact
	}
	parts := strings.Split(topic, ".")
	if m.tail {
		if len(parts) <= len(m.segments) {
			return false
		}
	} else if len(parts) != len(m.segments) {
		return false
	}
	for i, seg := range m.segments {
		if seg != "*" && seg != parts[i] {
			return false
		}
	}
	return true
}

// MatchTopic reports whether topic matches pattern. Invalid patterns never match.
func MatchTopic(pattern, topic string) bool {
	m, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return m.match(topic)
}

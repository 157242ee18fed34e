package knowledge

import (
	"fmt"
	"regexp"
	"strings"
)

// Validator checks items against the repository's structural rules.
// Near-duplicate detection needs the store and lives in the repository.
type Validator struct {
	dim     int
	pattern *regexp.Regexp
	maxTags int
	allowed map[string]struct{}
}

// NewValidator creates a validator for the given dimension and tag schema
func NewValidator(dim int, schema TagSchema) (*Validator, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidArgument, dim)
	}

	pattern := schema.Pattern
	if pattern == "" {
		pattern = DefaultTagPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid tag pattern %q: %v", ErrInvalidArgument, pattern, err)
	}

	maxTags := schema.MaxTags
	if maxTags <= 0 {
		maxTags = DefaultMaxTags
	}

	var allowed map[string]struct{}
	if len(schema.Allowed) > 0 {
		allowed = make(map[string]struct{}, len(schema.Allowed))
		for _, t := range schema.Allowed {
			allowed[t] = struct{}{}
		}
	}

	return &Validator{dim: dim, pattern: re, maxTags: maxTags, allowed: allowed}, nil
}

// Dimension returns the system-wide embedding dimension
func (v *Validator) Dimension() int {
	return v.dim
}

// Validate checks content, embedding dimension and tags, in that order
func (v *Validator) Validate(item *Item) error {
	if strings.TrimSpace(item.Content) == "" {
		return newValidationError(ReasonEmptyContent, item.ID, "content must not be blank")
	}
	if len(item.Embedding) != v.dim {
		return newValidationError(ReasonDimensionMismatch, item.ID,
			"embedding has %d dimensions, repository requires %d", len(item.Embedding), v.dim)
	}
	return v.ValidateTags(item.ID, item.Tags)
}

// ValidateTags checks the tag count, pattern and allow-list
func (v *Validator) ValidateTags(itemID string, tags []string) error {
	if len(tags) > v.maxTags {
		return newValidationError(ReasonInvalidTags, itemID, "%d tags exceeds limit of %d", len(tags), v.maxTags)
	}
	for _, t := range tags {
		if !v.pattern.MatchString(t) {
			return newValidationError(ReasonInvalidTags, itemID, "tag %q does not match %s", t, v.pattern)
		}
		if v.allowed != nil {
			if _, ok := v.allowed[t]; !ok {
				return newValidationError(ReasonInvalidTags, itemID, "tag %q is not in the allowed set", t)
			}
		}
	}
	return nil
}

// ValidateQuery checks search arguments before any scoring happens
func (v *Validator) ValidateQuery(query []float32, k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: k must be > 0, got %d", ErrInvalidArgument, k)
	}
	if len(query) != v.dim {
		return fmt.Errorf("%w: query has %d dimensions, repository requires %d", ErrInvalidArgument, len(query), v.dim)
	}
	return nil
}

// SuggestFixes analyzes an item and suggests how to make it pass validation
func (v *Validator) SuggestFixes(item *Item) []string {
	var suggestions []string

	if strings.TrimSpace(item.Content) == "" {
		suggestions = append(suggestions, "Content is blank - provide the fact or artifact text")
	}
	if len(item.Embedding) == 0 {
		suggestions = append(suggestions, "No embedding - configure an embedder or supply one")
	} else if len(item.Embedding) != v.dim {
		suggestions = append(suggestions, fmt.Sprintf("Embedding has %d dimensions - re-embed with a %d-dim model", len(item.Embedding), v.dim))
	}
	for _, t := range item.Tags {
		if lower := strings.ToLower(t); lower != t && v.pattern.MatchString(lower) {
			suggestions = append(suggestions, fmt.Sprintf("Tag '%s' should be lowercase: '%s'", t, lower))
		}
		if strings.Contains(t, " ") {
			suggestions = append(suggestions, fmt.Sprintf("Tag '%s' contains spaces - use '_' or '-'", t))
		}
	}
	if len(item.Tags) > v.maxTags {
		suggestions = append(suggestions, fmt.Sprintf("Drop %d tags to stay within the limit of %d", len(item.Tags)-v.maxTags, v.maxTags))
	}
	return suggestions
}

// Package tags decides whether a project carries a given tag on any of its issues.
package tags

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Source returns the tag names attached to one issue.
type Source interface {
	IssueTags(ctx context.Context, apiKey, issueID string) ([]string, error)
}

// Resolver checks issue tags one issue at a time. It fails open: an issue whose
// tags cannot be fetched is logged and skipped.
type Resolver struct {
	source Source
	logger *zap.Logger
}

func NewResolver(source Source, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, logger: logger}
}

// HasTag reports whether any issue has a tag whose name contains target,
// ignoring case. It stops at the first match.
func (r *Resolver) HasTag(ctx context.Context, apiKey string, issueIDs []string, target string) bool {
	for _, id := range issueIDs {
		if ctx.Err() != nil {
			return false
		}

		names, err := r.source.IssueTags(ctx, apiKey, id)
		if err != nil {
			r.logger.Warn("skipping issue while resolving tags",
				zap.String("issue_id", id),
				zap.String("tag", target),
				zap.Error(err),
			)
			continue
		}
		if MatchAny(names, target) {
			return true
		}
	}
	return false
}

// MatchAny is HasTag over a tag list the caller already holds.
func MatchAny(names []string, target string) bool {
	target = strings.ToLower(target)
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), target) {
			return true
		}
	}
	return false
}

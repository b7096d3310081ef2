package classifier

import (
	"strings"

	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/internal/config"
)

// defaultSkipPatterns are URL fragments that almost never carry extractable
// product or pricing content. They apply when a project has no explicit
// skip list and smart classification is off for it, or when the global
// use-default-skip-patterns override is set.
var defaultSkipPatterns = []string{
	"/login",
	"/signin",
	"/sign-in",
	"/signup",
	"/sign-up",
	"/register",
	"/logout",
	"/privacy",
	"/terms",
	"/cookie",
	"/legal/",
	"/careers",
	"/jobs/",
	"/press/",
	"/media-kit",
	"/sitemap",
	"/404",
	"/cart",
	"/checkout",
	"/account/",
	"/unsubscribe",
}

// resolveSkipPatterns decides which skip list applies to a project.
//
// An explicit non-nil list always wins, including the empty list which
// disables skipping. When the project carries no list: smart classification
// handles relevance, so no pattern skipping happens unless the global
// use-default override forces the built-in list; with smart classification
// off the built-in list is the only guard and applies.
func resolveSkipPatterns(project *projects.Project, cfg *config.ClassifierConfig) []string {
	if project.Classification.SkipPatterns != nil {
		return *project.Classification.SkipPatterns
	}
	if cfg.UseDefaultSkipPatterns {
		return defaultSkipPatterns
	}
	if smartEnabled(project, cfg) {
		return nil
	}
	return defaultSkipPatterns
}

// smartEnabled resolves the per-project smart-classification override
// against the global default.
func smartEnabled(project *projects.Project, cfg *config.ClassifierConfig) bool {
	if project.Classification.SmartClassification != nil {
		return *project.Classification.SmartClassification
	}
	return cfg.Enabled
}

// matchesSkipPattern reports whether the URL contains any of the patterns,
// case-insensitively.
func matchesSkipPattern(url string, patterns []string) (string, bool) {
	lower := strings.ToLower(url)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

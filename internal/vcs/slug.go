package vcs

import (
	"fmt"
	"regexp"
	"strings"
)

const maxSlugLen = 40

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases the title, collapses runs of non-alphanumerics into
// single hyphens, trims leading/trailing hyphens, and truncates to 40
// characters.
func Slugify(title string) string {
	slug := nonAlphanumeric.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
		slug = strings.TrimRight(slug, "-")
	}
	return slug
}

// BranchName derives the branch for a task: task-<id>-<slug>.
func BranchName(taskID int64, title string) string {
	return fmt.Sprintf("task-%d-%s", taskID, Slugify(title))
}

package vcs

import (
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"simple", "Add README", "add-readme"},
		{"punctuation runs", "Fix: the bug!! (again)", "fix-the-bug-again"},
		{"leading and trailing", "--hello world--", "hello-world"},
		{"unicode stripped", "héllo wörld", "h-llo-w-rld"},
		{"truncated to 40", "this is a very long task title that keeps going and going", "this-is-a-very-long-task-title-that-keep"},
		{"no trailing hyphen after truncation", strings.Repeat("a", 39) + " b", strings.Repeat("a", 39)},
		{"empty", "", ""},
		{"only punctuation", "!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.title); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.title, got, tt.want)
			}
			if len(Slugify(tt.title)) > maxSlugLen {
				t.Errorf("slug exceeds %d chars", maxSlugLen)
			}
		})
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName(42, "Add README"); got != "task-42-add-readme" {
		t.Errorf("BranchName = %q", got)
	}
}

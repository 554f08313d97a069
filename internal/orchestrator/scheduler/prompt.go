package scheduler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ajfrai/agent-queue/internal/task/models"
)

const (
	// reviewTailLines is the fallback slice of assistant output used
	// when no "How to test" section is present.
	reviewTailLines = 40

	// reviewMaxChars caps the stored review comment.
	reviewMaxChars = 1500
)

// buildPrompt assembles the agent's instruction from the task and its
// comment history.
func buildPrompt(task *models.Task, comments []*models.Comment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n", task.Title)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n")
	}

	if len(comments) > 0 {
		b.WriteString("\n## Discussion so far\n\n")
		for _, c := range comments {
			fmt.Fprintf(&b, "[%s] %s\n\n", c.Author, c.Content)
		}
	}

	b.WriteString("\nWhen you are done, commit your work with a descriptive message.\n")
	b.WriteString("End your final message with a \"How to test\" section describing how a reviewer can verify the change.\n")
	return b.String()
}

// extractReviewComment pulls a human-readable summary out of a
// session's captured stream-json stdout: the assistant's text, from the
// "How to test" heading when present, otherwise the last lines of it.
// Returns "" when nothing usable is found.
func extractReviewComment(stdoutPath string) string {
	file, err := os.Open(stdoutPath)
	if err != nil {
		return ""
	}
	defer func() { _ = file.Close() }()

	var text strings.Builder
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !strings.Contains(string(line), `"type":"assistant"`) {
			continue
		}
		var msg struct {
			Message struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		for _, block := range msg.Message.Content {
			if block.Type == "text" && block.Text != "" {
				text.WriteString(block.Text)
				text.WriteString("\n")
			}
		}
	}

	full := strings.TrimSpace(text.String())
	if full == "" {
		return ""
	}

	if idx := indexOfFold(full, "how to test"); idx >= 0 {
		return truncateComment(full[idx:])
	}

	lines := strings.Split(full, "\n")
	if len(lines) > reviewTailLines {
		lines = lines[len(lines)-reviewTailLines:]
	}
	return truncateComment(strings.TrimSpace(strings.Join(lines, "\n")))
}

// indexOfFold returns the index of the first case-insensitive match of
// sub in s, or -1.
func indexOfFold(s, sub string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(sub))
}

func truncateComment(s string) string {
	if len(s) <= reviewMaxChars {
		return s
	}
	return s[:reviewMaxChars]
}

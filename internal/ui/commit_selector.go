package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"

	"speleostore/pkg/models"
)

// CommitInfo represents a commit for display
type CommitInfo struct {
	Hash      string
	ShortHash string
	Message   string
	Author    string
	Time      time.Time
	Files     int
}

// FormatCommit formats an indexed commit for display
func FormatCommit(commit models.Commit) CommitInfo {
	shortHash := commit.Hash
	if len(shortHash) > 7 {
		shortHash = shortHash[:7]
	}

	// Truncate long commit messages
	message := commit.Message
	if idx := strings.Index(message, "\n"); idx >= 0 {
		message = message[:idx]
	}
	if len(message) > 50 {
		message = message[:47] + "..."
	}

	return CommitInfo{
		Hash:      commit.Hash,
		ShortHash: shortHash,
		Message:   message,
		Author:    commit.AuthorName,
		Time:      commit.CommittedAt,
		Files:     len(commit.Tree),
	}
}

// Option is the line SelectCommit shows for the commit
func (c CommitInfo) Option(now time.Time) string {
	return fmt.Sprintf("%s - %s by %s (%s) [%d files]",
		c.ShortHash,
		c.Message,
		c.Author,
		RelativeTime(c.Time, now),
		c.Files,
	)
}

// SelectCommit displays an interactive commit selector and returns the full
// hash of the chosen commit
func SelectCommit(message string, commits []CommitInfo) (string, error) {
	if len(commits) == 0 {
		return "", fmt.Errorf("no commits available")
	}

	now := time.Now()
	options := make([]string, len(commits))
	hashMap := make(map[string]string, len(commits))
	for i, commit := range commits {
		option := commit.Option(now)
		options[i] = option
		hashMap[option] = commit.Hash
	}

	var selected string
	prompt := &survey.Select{
		Message:  message,
		Options:  options,
		PageSize: 10,
	}
	if err := survey.AskOne(prompt, &selected); err != nil {
		return "", err
	}
	return hashMap[selected], nil
}

// RelativeTime formats t relative to now (e.g., "2 hours ago")
func RelativeTime(t, now time.Time) string {
	duration := now.Sub(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		return plural(int(duration.Minutes()), "minute")
	case duration < 24*time.Hour:
		return plural(int(duration.Hours()), "hour")
	case duration < 7*24*time.Hour:
		return plural(int(duration.Hours()/24), "day")
	case duration < 30*24*time.Hour:
		return plural(int(duration.Hours()/(24*7)), "week")
	case duration < 365*24*time.Hour:
		return plural(int(duration.Hours()/(24*30)), "month")
	default:
		return t.Format("2006-01-02")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}

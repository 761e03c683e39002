package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"speleostore/pkg/models"
)

func TestFormatCommit(t *testing.T) {
	committed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		message     string
		expectedMsg string
	}{
		{
			name:        "short commit message",
			message:     "Add entrance series",
			expectedMsg: "Add entrance series",
		},
		{
			name:        "long commit message truncated",
			message:     "Resurvey of the historic route from the Rotunda to the Bottomless Pit after the 2023 flood",
			expectedMsg: "Resurvey of the historic route from the Rotunda...",
		},
		{
			name:        "multi-line commit message",
			message:     "Fix loop closure\n\nStation A12 was entered twice",
			expectedMsg: "Fix loop closure",
		},
		{
			name:        "message of exactly 50 chars",
			message:     strings.Repeat("a", 50),
			expectedMsg: strings.Repeat("a", 50),
		},
		{
			name:        "empty commit message",
			expectedMsg: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := FormatCommit(models.Commit{
				Hash:        "0123456789abcdef0123456789abcdef01234567",
				Message:     tt.message,
				AuthorName:  "alice",
				CommittedAt: committed,
				Tree:        []models.TreeEntry{{Path: "project.tml"}, {Path: "README"}},
			})
			assert.Equal(t, tt.expectedMsg, info.Message)
			assert.Equal(t, "0123456", info.ShortHash)
			assert.Equal(t, "alice", info.Author)
			assert.Equal(t, committed, info.Time)
			assert.Equal(t, 2, info.Files)
		})
	}
}

func TestCommitOption(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	info := CommitInfo{
		Hash:      "0123456789abcdef0123456789abcdef01234567",
		ShortHash: "0123456",
		Message:   "initial survey",
		Author:    "alice",
		Time:      now.Add(-3 * time.Hour),
		Files:     1,
	}
	assert.Equal(t, "0123456 - initial survey by alice (3 hours ago) [1 files]", info.Option(now))
}

func TestSelectCommitWithoutCommits(t *testing.T) {
	_, err := SelectCommit("Select commit:", nil)
	assert.Error(t, err)
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		ago      time.Duration
		expected string
	}{
		{30 * time.Second, "just now"},
		{time.Minute, "1 minute ago"},
		{5 * time.Minute, "5 minutes ago"},
		{time.Hour, "1 hour ago"},
		{23 * time.Hour, "23 hours ago"},
		{24 * time.Hour, "1 day ago"},
		{3 * 24 * time.Hour, "3 days ago"},
		{14 * 24 * time.Hour, "2 weeks ago"},
		{60 * 24 * time.Hour, "2 months ago"},
		{400 * 24 * time.Hour, "2023-01-26"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, RelativeTime(now.Add(-tt.ago), now))
		})
	}
}

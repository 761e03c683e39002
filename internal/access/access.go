// Package access answers permission questions for the engine. Users and their
// per-project access levels come from the configuration file.
package access

import (
	"context"
	"strings"
	"sync"

	"speleostore/pkg/models"
)

// Checker is the permission collaborator used by the engine
type Checker interface {
	HasPermission(ctx context.Context, user, projectID string, required models.AccessLevel) bool
	// Identity returns the canonical name of user. Lock holders are stored
	// under it, so spellings of the same user compare equal.
	Identity(ctx context.Context, user string) string
}

// ConfigChecker resolves permissions from the users section of the configuration
type ConfigChecker struct {
	mu    sync.RWMutex
	users map[string]models.User
}

// NewConfigChecker indexes users by name and email, case-insensitively.
// Project ids and access levels are matched case-insensitively as well, since
// configuration keys may reach the checker lower-cased.
func NewConfigChecker(users []models.User) *ConfigChecker {
	c := &ConfigChecker{}
	c.Reload(users)
	return c
}

// Reload replaces the access control list
func (c *ConfigChecker) Reload(users []models.User) {
	index := make(map[string]models.User, len(users)*2)
	for _, u := range users {
		projects := make(map[string]models.AccessLevel, len(u.Projects))
		for id, level := range u.Projects {
			projects[normalize(id)] = models.AccessLevel(strings.ToUpper(strings.TrimSpace(string(level))))
		}
		u.Projects = projects

		index[normalize(u.Name)] = u
		if u.Email != "" {
			index[normalize(u.Email)] = u
		}
	}

	c.mu.Lock()
	c.users = index
	c.mu.Unlock()
}

// HasPermission reports whether user holds at least required on projectID.
// Administrators hold every permission.
func (c *ConfigChecker) HasPermission(ctx context.Context, user, projectID string, required models.AccessLevel) bool {
	u, ok := c.lookup(user)
	if !ok {
		return false
	}
	if u.Admin {
		return true
	}
	return u.Projects[normalize(projectID)].Allows(required)
}

// Identity resolves a name or email to the configured user name. Unknown users
// are normalized.
func (c *ConfigChecker) Identity(ctx context.Context, user string) string {
	if u, ok := c.lookup(user); ok {
		return u.Name
	}
	return normalize(user)
}

// Level returns the access level user holds on projectID
func (c *ConfigChecker) Level(user, projectID string) models.AccessLevel {
	u, ok := c.lookup(user)
	if !ok {
		return models.AccessNone
	}
	if u.Admin {
		return models.AccessAdmin
	}
	return u.Projects[normalize(projectID)]
}

func (c *ConfigChecker) lookup(user string) (models.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[normalize(user)]
	return u, ok
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// AllowAll grants every permission. It backs single-user setups without a
// users section.
type AllowAll struct{}

// HasPermission always returns true
func (AllowAll) HasPermission(ctx context.Context, user, projectID string, required models.AccessLevel) bool {
	return true
}

// Identity normalizes user
func (AllowAll) Identity(ctx context.Context, user string) string { return normalize(user) }

package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"speleostore/pkg/models"
)

func TestConfigChecker(t *testing.T) {
	ctx := context.Background()
	c := NewConfigChecker([]models.User{
		{Name: "alice", Email: "alice@example.com", Projects: map[string]models.AccessLevel{"mammoth-cave": models.AccessWrite}},
		{Name: "bob", Projects: map[string]models.AccessLevel{"mammoth-cave": models.AccessRead}},
		{Name: "admin", Admin: true},
	})

	assert.True(t, c.HasPermission(ctx, "alice", "mammoth-cave", models.AccessWrite))
	assert.True(t, c.HasPermission(ctx, "Alice@Example.com", "mammoth-cave", models.AccessRead))
	assert.False(t, c.HasPermission(ctx, "alice", "other", models.AccessRead))
	assert.False(t, c.HasPermission(ctx, "bob", "mammoth-cave", models.AccessWrite))
	assert.True(t, c.HasPermission(ctx, "admin", "anything", models.AccessAdmin))
	assert.False(t, c.HasPermission(ctx, "mallory", "mammoth-cave", models.AccessRead))

	assert.Equal(t, "alice", c.Identity(ctx, "Alice"))
	assert.Equal(t, "alice", c.Identity(ctx, " ALICE@example.com"))
	assert.Equal(t, "mallory", c.Identity(ctx, "Mallory"))
	assert.Equal(t, models.AccessRead, c.Level("bob", "mammoth-cave"))
	assert.Equal(t, models.AccessAdmin, c.Level("admin", "mammoth-cave"))
}

func TestConfigCheckerReload(t *testing.T) {
	ctx := context.Background()
	c := NewConfigChecker(nil)
	assert.False(t, c.HasPermission(ctx, "alice", "p", models.AccessRead))

	c.Reload([]models.User{{Name: "alice", Projects: map[string]models.AccessLevel{"p": models.AccessRead}}})
	assert.True(t, c.HasPermission(ctx, "alice", "p", models.AccessRead))
}

func TestProjectIDsAndLevelsIgnoreCase(t *testing.T) {
	ctx := context.Background()
	c := NewConfigChecker([]models.User{
		{Name: "alice", Projects: map[string]models.AccessLevel{"mammoth-cave": "write"}},
	})

	assert.True(t, c.HasPermission(ctx, "alice", "Mammoth-Cave", models.AccessWrite))
	assert.Equal(t, models.AccessWrite, c.Level("ALICE", "MAMMOTH-CAVE"))
}

func TestProjectAdminLevel(t *testing.T) {
	ctx := context.Background()
	c := NewConfigChecker([]models.User{
		{Name: "dave", Projects: map[string]models.AccessLevel{"Mammoth-Cave": models.AccessAdmin}},
	})

	assert.True(t, c.HasPermission(ctx, "dave", "mammoth-cave", models.AccessAdmin))
	assert.True(t, c.HasPermission(ctx, "dave", "mammoth-cave", models.AccessWrite))
	assert.False(t, c.HasPermission(ctx, "dave", "flint-ridge", models.AccessAdmin))
}

func TestAllowAll(t *testing.T) {
	ctx := context.Background()
	var c Checker = AllowAll{}

	assert.True(t, c.HasPermission(ctx, "anyone", "mammoth-cave", models.AccessAdmin))
	assert.Equal(t, "alice", c.Identity(ctx, " Alice "))
}

package mutex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speleostore/internal/access"
	"speleostore/internal/store"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

func newTestCoordinator(t *testing.T, projects ...string) *Coordinator {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	grants := map[string]models.AccessLevel{}
	for _, p := range projects {
		require.NoError(t, s.Create(context.Background(), store.ProjectKey(p), &models.Project{ID: p, Name: p}))
		grants[p] = models.AccessWrite
	}

	checker := access.NewConfigChecker([]models.User{
		{Name: "alice", Projects: grants},
		{Name: "bob", Projects: grants},
		{Name: "reader", Projects: map[string]models.AccessLevel{"p1": models.AccessRead}},
		{Name: "admin", Admin: true},
		{Name: "dave", Projects: map[string]models.AccessLevel{"p1": models.AccessAdmin}},
		{Name: "a/b", Projects: grants},
		{Name: "a", Projects: grants},
	})
	return NewCoordinator(s, checker, nil, nil)
}

func TestAcquireAndBusy(t *testing.T) {
	c := newTestCoordinator(t, "p1")
	ctx := context.Background()

	m, err := c.Acquire(ctx, "p1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", m.Holder)
	assert.NotEmpty(t, m.ID)

	_, err = c.Acquire(ctx, "p1", "bob")
	require.Error(t, err)
	assert.True(t, errors.IsResourceBusy(err))

	active, err := c.Active(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, active.ID)
}

func TestAcquireHeartbeat(t *testing.T) {
	c := newTestCoordinator(t, "p1")
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return start }
	first, err := c.Acquire(ctx, "p1", "alice")
	require.NoError(t, err)

	c.now = func() time.Time { return start.Add(time.Minute) }
	second, err := c.Acquire(ctx, "p1", "alice")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, start, second.AcquiredAt)
	assert.Equal(t, start.Add(time.Minute), second.HeartbeatAt)
}

func TestAcquireRequiresWritePermission(t *testing.T) {
	c := newTestCoordinator(t, "p1")

	_, err := c.Acquire(context.Background(), "p1", "reader")
	assert.True(t, errors.IsNotAuthorized(err))
}

func TestAcquireUnknownProject(t *testing.T) {
	c := newTestCoordinator(t, "p1")

	_, err := c.Acquire(context.Background(), "nope", "admin")
	assert.True(t, errors.IsNotFound(err))
}

func TestRelease(t *testing.T) {
	c := newTestCoordinator(t, "p1")
	ctx := context.Background()

	_, err := c.Acquire(ctx, "p1", "alice")
	require.NoError(t, err)

	closed, err := c.Release(ctx, "p1", "alice", "done")
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.True(t, closed.Closed())
	assert.Equal(t, "alice", closed.ClosingUser)
	assert.Equal(t, "done", closed.ClosingComment)

	active, err := c.Active(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = c.Acquire(ctx, "p1", "bob")
	assert.NoError(t, err)
}

func TestReleaseUnlockedIsNoop(t *testing.T) {
	c := newTestCoordinator(t, "p1")

	closed, err := c.Release(context.Background(), "p1", "bob", "")
	assert.NoError(t, err)
	assert.Nil(t, closed)
}

func TestReleaseByNonHolder(t *testing.T) {
	c := newTestCoordinator(t, "p1")
	ctx := context.Background()

	m, err := c.Acquire(ctx, "p1", "alice")
	require.NoError(t, err)

	_, err = c.Release(ctx, "p1", "bob", "")
	assert.True(t, errors.IsNotAuthorized(err))

	held, err := c.Holds(ctx, "p1", "alice")
	require.NoError(t, err)
	assert.True(t, held)

	closed, err := c.Release(ctx, "p1", "admin", "stuck session")
	require.NoError(t, err)
	assert.Equal(t, m.ID, closed.ID)
	assert.Equal(t, "alice", closed.Holder)
	assert.Equal(t, "admin", closed.ClosingUser)
	assert.Equal(t, "stuck session", closed.ClosingComment)

	history, err := c.History(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Closed())
}

func TestReleaseAll(t *testing.T) {
	c := newTestCoordinator(t, "p1", "p2", "p3")
	ctx := context.Background()

	for _, p := range []string{"p1", "p2"} {
		_, err := c.Acquire(ctx, p, "alice")
		require.NoError(t, err)
	}
	_, err := c.Acquire(ctx, "p3", "bob")
	require.NoError(t, err)

	released, err := c.ReleaseAll(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, released, 2)

	held, err := c.Holds(ctx, "p3", "bob")
	require.NoError(t, err)
	assert.True(t, held)

	released, err = c.ReleaseAll(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	c := newTestCoordinator(t, "p1")
	ctx := context.Background()

	users := []string{"alice", "bob", "admin"}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		busy    int
	)
	for i := 0; i < 12; i++ {
		user := users[i%len(users)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := c.Acquire(ctx, "p1", user)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, m.Holder)
			} else if errors.IsResourceBusy(err) {
				busy++
			}
		}()
	}
	wg.Wait()

	require.NotEmpty(t, winners)
	for _, w := range winners {
		assert.Equal(t, winners[0], w)
	}
	assert.Less(t, busy, 12)
}

func TestProjectAdminReleases(t *testing.T) {
	c := newTestCoordinator(t, "p1", "p2")
	ctx := context.Background()

	_, err := c.Acquire(ctx, "p1", "alice")
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "p2", "alice")
	require.NoError(t, err)

	closed, err := c.Release(ctx, "p1", "dave", "stuck session")
	require.NoError(t, err)
	assert.Equal(t, "alice", closed.Holder)
	assert.Equal(t, "dave", closed.ClosingUser)

	_, err = c.Release(ctx, "p2", "dave", "")
	assert.True(t, errors.IsNotAuthorized(err))
}

func TestHolderNamesIgnoreCase(t *testing.T) {
	c := newTestCoordinator(t, "p1", "p2")
	ctx := context.Background()

	first, err := c.Acquire(ctx, "p1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", first.Holder)

	again, err := c.Acquire(ctx, "p1", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	held, err := c.Holds(ctx, "p1", "ALICE")
	require.NoError(t, err)
	assert.True(t, held)

	_, err = c.Acquire(ctx, "p2", " alice ")
	require.NoError(t, err)

	released, err := c.ReleaseAll(ctx, "aLiCe")
	require.NoError(t, err)
	assert.Len(t, released, 2)

	active, err := c.Active(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestReleaseAllWithSlashInUserName(t *testing.T) {
	c := newTestCoordinator(t, "p1", "p2")
	ctx := context.Background()

	_, err := c.Acquire(ctx, "p1", "a/b")
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "p2", "a")
	require.NoError(t, err)

	released, err := c.ReleaseAll(ctx, "a")
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, "p2", released[0].ProjectID)

	released, err = c.ReleaseAll(ctx, "a/b")
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, "p1", released[0].ProjectID)
}

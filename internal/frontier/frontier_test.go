package frontier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type denyListPolicy struct {
	denied map[string]struct{}
	delay  time.Duration
}

func (p *denyListPolicy) Allowed(_ context.Context, rawURL string) bool {
	_, denied := p.denied[rawURL]
	return !denied
}

func (p *denyListPolicy) Delay(context.Context, string) time.Duration { return p.delay }

func newTestFrontier(cfg Config, robots RobotsPolicy) *Frontier {
	return New(cfg, robots, &fixedClock{now: time.Unix(500, 0)}, zap.NewNop())
}

func TestSeed_DeduplicatesOnCanonicalForm(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{}, nil)
	admitted := f.Seed(context.Background(), []string{
		"https://x.test/a",
		"https://X.TEST/a?",
		"https://x.test/a#frag",
	})
	require.Equal(t, 1, admitted)

	rec, ok := f.Next()
	require.True(t, ok)
	require.Equal(t, "https://x.test/a", rec.Canonical)
	_, ok = f.Next()
	require.False(t, ok)
}

func TestDiscovered_EnforcesAllowedDomains(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{AllowedDomains: []string{"x.test"}}, nil)
	f.Seed(context.Background(), []string{"https://x.test/"})
	from, ok := f.Next()
	require.True(t, ok)

	admitted := f.Discovered(context.Background(), from, []string{
		"https://x.test/inside",
		"https://sub.x.test/inside",
		"https://elsewhere.test/outside",
	})
	require.Equal(t, 2, admitted)
}

func TestDiscovered_EnforcesMaxDepth(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{MaxDepth: 1}, nil)
	f.Seed(context.Background(), []string{"https://x.test/"})
	seed, _ := f.Next()
	require.Equal(t, 0, seed.Depth)

	require.Equal(t, 1, f.Discovered(context.Background(), seed, []string{"https://x.test/level1"}))
	level1, _ := f.Next()
	require.Equal(t, 1, level1.Depth)

	require.Equal(t, 0, f.Discovered(context.Background(), level1, []string{"https://x.test/level2"}))
}

func TestDiscovered_RejectsRobotsDisallowed(t *testing.T) {
	t.Parallel()

	robots := &denyListPolicy{denied: map[string]struct{}{
		"https://x.test/private": {},
	}}
	f := newTestFrontier(Config{}, robots)
	f.Seed(context.Background(), []string{"https://x.test/"})
	from, _ := f.Next()

	admitted := f.Discovered(context.Background(), from, []string{
		"https://x.test/public",
		"https://x.test/private",
	})
	require.Equal(t, 1, admitted)
	rec, ok := f.Next()
	require.True(t, ok)
	require.Equal(t, "https://x.test/public", rec.Canonical)
}

func TestNext_BreadthFirstIsDefaultOrder(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{}, nil)
	f.Seed(context.Background(), []string{"https://x.test/a", "https://x.test/b"})
	a, _ := f.Next()
	require.Equal(t, "https://x.test/a", a.Canonical)

	f.Discovered(context.Background(), a, []string{"https://x.test/a/child"})

	// BFS drains the remaining seed before the newly discovered child.
	b, _ := f.Next()
	require.Equal(t, "https://x.test/b", b.Canonical)
	child, _ := f.Next()
	require.Equal(t, "https://x.test/a/child", child.Canonical)
}

func TestNext_DepthFirstPopsNewestFirst(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{Order: OrderDFS}, nil)
	f.Seed(context.Background(), []string{"https://x.test/a", "https://x.test/b"})
	b, _ := f.Next()
	require.Equal(t, "https://x.test/b", b.Canonical)

	f.Discovered(context.Background(), b, []string{"https://x.test/b/child"})
	child, _ := f.Next()
	require.Equal(t, "https://x.test/b/child", child.Canonical)
}

func TestSeed_DropsRelativeAndMalformedURLs(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{}, nil)
	admitted := f.Seed(context.Background(), []string{"/relative", "ht tp://bad", "https://ok.test/"})
	require.Equal(t, 1, admitted)
}

func TestCrawlDelay_SurfacesRobotsDirective(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(Config{}, &denyListPolicy{delay: 2 * time.Second})
	require.Equal(t, 2*time.Second, f.CrawlDelay(context.Background(), "x.test"))
}

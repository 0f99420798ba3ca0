package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/autocat/apperr"
	"github.com/onnwee/autocat/mappings"
)

type fakeTokens struct{ valid atomic.Bool }

func (f *fakeTokens) EnsureValid(context.Context) bool { return f.valid.Load() }

type fakeProcs struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (f *fakeProcs) Names(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...), f.err
}

func (f *fakeProcs) set(names ...string) {
	f.mu.Lock()
	f.names = names
	f.mu.Unlock()
}

type fakeNames map[string]string

func (f fakeNames) Snapshot() map[string]string { return f }

type fakePublisher struct {
	mu        sync.Mutex
	last      string
	published []string
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, cat string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, cat)
	if f.err != nil {
		return f.err
	}
	f.last = cat
	return nil
}

func (f *fakePublisher) LastApplied() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakePublisher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

type fixture struct {
	loop   *Loop
	clock  *clockwork.FakeClock
	tokens *fakeTokens
	procs  *fakeProcs
	store  *mappings.Store
	pub    *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clockwork.NewFakeClock(),
		tokens: &fakeTokens{},
		procs:  &fakeProcs{},
		store:  mappings.New(filepath.Join(t.TempDir(), "mappings.json")),
		pub:    &fakePublisher{},
	}
	f.tokens.valid.Store(true)
	f.loop = New(Deps{
		Tokens:    f.tokens,
		Processes: f.procs,
		Mappings:  f.store,
		Names:     fakeNames{"discordgame.exe": "Megabonk"},
		Publisher: f.pub,
		Clock:     f.clock,
	})
	t.Cleanup(func() { _ = f.loop.Stop(time.Second) })
	return f
}

func TestRunOncePublishesResolvedCategory(t *testing.T) {
	f := newFixture(t)
	f.procs.set("explorer.exe", "DiscordGame.exe")

	require.NoError(t, f.loop.RunOnce(context.Background()))
	assert.Equal(t, []string{"Megabonk"}, f.pub.calls())

	st := f.loop.Status()
	assert.Equal(t, "Megabonk", st.LastCategory)
	assert.Equal(t, "discordgame.exe", st.LastProcess)
	assert.Equal(t, int64(1), st.Cycles)
	assert.Empty(t, st.LastError)
}

func TestRunOnceUsesFreshMappings(t *testing.T) {
	f := newFixture(t)
	f.procs.set("gta4.exe")

	require.NoError(t, f.loop.RunOnce(context.Background()))
	require.NoError(t, f.store.Upsert("gta4.exe", "Grand Theft Auto IV", 10))
	require.NoError(t, f.loop.RunOnce(context.Background()))

	assert.Equal(t, []string{"Just Chatting", "Grand Theft Auto IV"}, f.pub.calls())
}

func TestRunOnceSkipsWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	f.tokens.valid.Store(false)
	f.procs.set("discordgame.exe")

	err := f.loop.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.True(t, apperr.Is(err, apperr.KindAuth))
	assert.Empty(t, f.pub.calls(), "must not publish without valid credentials")
	assert.NotEmpty(t, f.loop.Status().LastError)
}

func TestRunOnceScanFailure(t *testing.T) {
	f := newFixture(t)
	f.procs.err = errors.New("read /proc: permission denied")

	assert.Error(t, f.loop.RunOnce(context.Background()))
	assert.Empty(t, f.pub.calls())
}

func TestStartIsSingleton(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.loop.Start(context.Background()))
	assert.False(t, f.loop.Start(context.Background()), "second start must be a no-op")
	assert.True(t, f.loop.Running())

	require.NoError(t, f.loop.Stop(time.Second))
	assert.False(t, f.loop.Running())
	require.NoError(t, f.loop.Stop(time.Second), "stopping twice is fine")

	assert.True(t, f.loop.Start(context.Background()), "restart after stop")
}

func TestLoopSleepsIntervalBetweenCycles(t *testing.T) {
	f := newFixture(t)
	f.procs.set("discordgame.exe")
	ctx := context.Background()

	require.True(t, f.loop.Start(ctx))
	assert.Eventually(t, func() bool { return f.loop.Status().Cycles == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(DefaultInterval - time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), f.loop.Status().Cycles, "no cycle before the interval elapses")

	f.clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return f.loop.Status().Cycles == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Megabonk", "Megabonk"}, f.pub.calls())
}

func TestLoopSurvivesFailingCycles(t *testing.T) {
	f := newFixture(t)
	f.procs.set("discordgame.exe")
	f.pub.err = apperr.Transient("update channel", errors.New("status 503"))
	ctx := context.Background()

	require.True(t, f.loop.Start(ctx))
	for i := 1; i <= 3; i++ {
		want := int64(i)
		require.Eventually(t, func() bool { return f.loop.Status().Cycles == want }, time.Second, 5*time.Millisecond)
		require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
		f.clock.Advance(DefaultInterval)
	}
	assert.True(t, f.loop.Running())
	assert.Contains(t, f.loop.Status().LastError, "503")
}

func TestStopInterruptsSleep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.loop.Start(ctx))
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	start := time.Now()
	require.NoError(t, f.loop.Stop(time.Second))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, f.loop.Running())
}

type blockingProcs struct{ release chan struct{} }

func (b *blockingProcs) Names(context.Context) ([]string, error) {
	<-b.release
	return nil, nil
}

func TestStopTimesOutOnStuckCycle(t *testing.T) {
	f := newFixture(t)
	b := &blockingProcs{release: make(chan struct{})}
	f.loop.deps.Processes = b

	require.True(t, f.loop.Start(context.Background()))
	err := f.loop.Stop(20 * time.Millisecond)
	assert.Error(t, err)
	assert.False(t, f.loop.Start(context.Background()), "no second loop while the first is still stopping")

	close(b.release)
	assert.Eventually(t, func() bool { return !f.loop.Running() }, time.Second, 5*time.Millisecond)
	assert.True(t, f.loop.Start(context.Background()))
}

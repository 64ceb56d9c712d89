package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/studioos/errors"
	studiotest "github.com/teranos/studioos/internal/testing"
	"github.com/teranos/studioos/pulse"
)

// fakeAdapter is a scriptable platform. Status replays reports in order and
// repeats the last one; with none scripted the submission stays processing.
type fakeAdapter struct {
	id PlatformID

	mu          sync.Mutex
	submitErr   error
	submitPanic bool
	reports     []StatusReport
	submits     int
	cancelled   []Handle
}

func newFakeAdapter(id PlatformID) *fakeAdapter {
	return &fakeAdapter{id: id}
}

func (f *fakeAdapter) Platform() PlatformID { return f.id }

func (f *fakeAdapter) Submit(ctx context.Context, assets []AssetRef, cfg PlatformConfig) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitPanic {
		panic("nil upload session")
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return Handle(fmt.Sprintf("%s-%d", f.id, f.submits)), nil
}

func (f *fakeAdapter) Status(ctx context.Context, h Handle) (StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reports) == 0 {
		return StatusReport{Status: StatusProcessing, Progress: 50}, nil
	}
	r := f.reports[0]
	if len(f.reports) > 1 {
		f.reports = f.reports[1:]
	}
	return r, nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, h)
	return nil
}

func (f *fakeAdapter) script(submitErr error, reports ...StatusReport) *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = submitErr
	f.reports = reports
	return f
}

func (f *fakeAdapter) counts() (submits, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, len(f.cancelled)
}

func delivered(url string) StatusReport {
	return StatusReport{Status: StatusDelivered, Progress: 100, URL: url}
}

func testConfig() OrchestratorConfig {
	return OrchestratorConfig{PollInterval: 10 * time.Millisecond}
}

func newTestOrchestrator(t *testing.T, cfg OrchestratorConfig, pub *pulse.Publisher, adapters ...*fakeAdapter) *Orchestrator {
	t.Helper()
	return newTestOrchestratorWithDB(t, studiotest.CreateTestDB(t), cfg, pub, adapters...)
}

func newTestOrchestratorWithDB(t *testing.T, db *sql.DB, cfg OrchestratorConfig, pub *pulse.Publisher, adapters ...*fakeAdapter) *Orchestrator {
	t.Helper()
	registry := NewAdapterRegistry()
	for _, a := range adapters {
		registry.Register(a, PlatformConfig{})
	}
	o := NewOrchestrator(db, registry, pub, cfg, zap.NewNop().Sugar())
	t.Cleanup(o.Stop)
	return o
}

func createRelease(t *testing.T, o *Orchestrator, platformIDs ...PlatformID) *Delivery {
	t.Helper()
	d, err := o.CreateDelivery(context.Background(), CreateRequest{
		Title:       "Night Drive EP",
		ProjectID:   "album-7",
		Assets:      []AssetRef{goodAsset()},
		PlatformIDs: platformIDs,
	})
	require.NoError(t, err)
	return d
}

func waitForDelivery(t *testing.T, o *Orchestrator, id string, cond func(*Delivery) bool) *Delivery {
	t.Helper()
	var last *Delivery
	require.Eventually(t, func() bool {
		d, err := o.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = d
		return cond(d)
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func statusIs(want Status) func(*Delivery) bool {
	return func(d *Delivery) bool { return d.Status == want }
}

func platformIs(p PlatformID, want Status) func(*Delivery) bool {
	return func(d *Delivery) bool { return d.PlatformDeliveries[p].Status == want }
}

func TestDeliveryToAllPlatforms(t *testing.T) {
	spotify := newFakeAdapter("spotify").script(nil,
		StatusReport{Status: StatusProcessing, Progress: 30},
		StatusReport{Status: StatusUploading, Progress: 70},
		delivered("https://open.spotify.example/album/1"))
	tidal := newFakeAdapter("tidal").script(nil, delivered("https://tidal.example/album/1"))
	o := newTestOrchestrator(t, testConfig(), nil, spotify, tidal)

	d := createRelease(t, o, "spotify", "tidal")
	assert.Equal(t, StatusPending, d.Status)
	assert.Len(t, d.PlatformDeliveries, 2)

	done := waitForDelivery(t, o, d.ID, statusIs(StatusDelivered))
	assert.Equal(t, 100, done.Progress)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, "https://open.spotify.example/album/1", done.PlatformDeliveries["spotify"].URL)
	assert.Equal(t, 1, done.PlatformDeliveries["spotify"].Attempts)
	assert.NotEmpty(t, done.Logs)
}

func TestRejectedAndDeliveredAggregatesToFailed(t *testing.T) {
	spotify := newFakeAdapter("spotify").script(errors.Wrap(ErrRejected, "integrated loudness -9 LUFS above target"))
	tidal := newFakeAdapter("tidal").script(nil, delivered("https://tidal.example/album/1"))
	o := newTestOrchestrator(t, testConfig(), nil, spotify, tidal)

	d := createRelease(t, o, "spotify", "tidal")
	done := waitForDelivery(t, o, d.ID, func(d *Delivery) bool { return d.Status.IsTerminal() })

	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, StatusRejected, done.PlatformDeliveries["spotify"].Status)
	assert.Contains(t, done.PlatformDeliveries["spotify"].Error, "loudness")
	assert.Empty(t, done.PlatformDeliveries["spotify"].URL)
	assert.Equal(t, StatusDelivered, done.PlatformDeliveries["tidal"].Status)
	assert.Equal(t, "https://tidal.example/album/1", done.PlatformDeliveries["tidal"].URL)
	assert.Empty(t, done.PlatformDeliveries["tidal"].Error)

	// Rejected content is not retried
	_, err := o.Retry(context.Background(), d.ID, "spotify")
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = o.Retry(context.Background(), d.ID)
	assert.True(t, errors.IsInvalidRequestError(err), "nothing failed or cancelled to retry")
	_, err = o.Retry(context.Background(), d.ID, "tidal")
	assert.True(t, errors.IsInvalidRequestError(err), "delivered platforms are not retried")
}

func TestPartialRetryKeepsDeliveredPlatforms(t *testing.T) {
	spotify := newFakeAdapter("spotify").script(errors.New("connection reset by peer"))
	tidal := newFakeAdapter("tidal").script(nil, delivered("https://tidal.example/album/1"))
	o := newTestOrchestrator(t, testConfig(), nil, spotify, tidal)

	d := createRelease(t, o, "spotify", "tidal")
	failed := waitForDelivery(t, o, d.ID, statusIs(StatusFailed))
	assert.Equal(t, StatusFailed, failed.PlatformDeliveries["spotify"].Status)
	assert.Contains(t, failed.PlatformDeliveries["spotify"].Error, "connection reset")

	spotify.script(nil, delivered("https://open.spotify.example/album/1"))
	retried, err := o.Retry(context.Background(), d.ID, "spotify")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.PlatformDeliveries["spotify"].Status)
	assert.Empty(t, retried.PlatformDeliveries["spotify"].Error)
	assert.Equal(t, "https://tidal.example/album/1", retried.PlatformDeliveries["tidal"].URL, "retry must not touch tidal")

	done := waitForDelivery(t, o, d.ID, statusIs(StatusDelivered))
	assert.Equal(t, 2, done.PlatformDeliveries["spotify"].Attempts)
	tidalSubmits, _ := tidal.counts()
	assert.Equal(t, 1, tidalSubmits, "tidal is never resubmitted")
}

func TestPreconditionsRefuseCreation(t *testing.T) {
	registry := NewAdapterRegistry()
	spotify := newFakeAdapter("spotify")
	registry.Register(spotify, PlatformConfig{Requirements: streamingRequirements()})
	o := NewOrchestrator(studiotest.CreateTestDB(t), registry, nil, testConfig(), zap.NewNop().Sugar())
	t.Cleanup(o.Stop)

	clipped := goodAsset()
	clipped.TruePeakDBTP = 0.4
	_, err := o.CreateDelivery(context.Background(), CreateRequest{
		Title:       "Night Drive EP",
		Assets:      []AssetRef{clipped},
		PlatformIDs: []PlatformID{"spotify"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	page, err := o.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total, "refused deliveries are not stored")
	submits, _ := spotify.counts()
	assert.Zero(t, submits)
}

func TestCancelSubsetThenAll(t *testing.T) {
	spotify := newFakeAdapter("spotify")
	tidal := newFakeAdapter("tidal")
	o := newTestOrchestrator(t, testConfig(), nil, spotify, tidal)
	ctx := context.Background()

	d := createRelease(t, o, "spotify", "tidal")
	waitForDelivery(t, o, d.ID, func(d *Delivery) bool {
		return d.PlatformDeliveries["spotify"].Status == StatusProcessing &&
			d.PlatformDeliveries["tidal"].Status == StatusProcessing
	})

	partial, err := o.Cancel(ctx, d.ID, "spotify")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, partial.PlatformDeliveries["spotify"].Status)
	assert.Equal(t, StatusProcessing, partial.PlatformDeliveries["tidal"].Status, "cancel must not touch tidal")
	assert.Equal(t, StatusProcessing, partial.Status)

	require.Eventually(t, func() bool {
		_, cancels := spotify.counts()
		return cancels == 1
	}, 5*time.Second, 10*time.Millisecond, "spotify submission should be withdrawn")

	all, err := o.Cancel(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, all.Status)
	assert.NotNil(t, all.CompletedAt)

	_, err = o.Cancel(ctx, d.ID)
	assert.True(t, errors.Is(err, errors.ErrTerminal))

	_, err = o.Cancel(ctx, d.ID, "deezer")
	assert.True(t, errors.IsInvalidRequestError(err))

	// Cancelled platforms stay cancelled while their tasks wind down
	time.Sleep(50 * time.Millisecond)
	final, err := o.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
}

func TestRetryCancelledPlatform(t *testing.T) {
	spotify := newFakeAdapter("spotify")
	o := newTestOrchestrator(t, testConfig(), nil, spotify)
	ctx := context.Background()

	d := createRelease(t, o, "spotify")
	waitForDelivery(t, o, d.ID, platformIs("spotify", StatusProcessing))
	_, err := o.Cancel(ctx, d.ID)
	require.NoError(t, err)

	spotify.script(nil, delivered("https://open.spotify.example/album/1"))
	_, err = o.Retry(ctx, d.ID)
	require.NoError(t, err)

	done := waitForDelivery(t, o, d.ID, statusIs(StatusDelivered))
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 2, done.PlatformDeliveries["spotify"].Attempts)
}

func TestWatchdogFailsStuckPlatform(t *testing.T) {
	spotify := newFakeAdapter("spotify")
	cfg := testConfig()
	cfg.PlatformTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	o := newTestOrchestrator(t, cfg, nil, spotify)
	require.NoError(t, o.Start(context.Background()))

	d := createRelease(t, o, "spotify")
	failed := waitForDelivery(t, o, d.ID, statusIs(StatusFailed))
	assert.Contains(t, failed.PlatformDeliveries["spotify"].Error, "timed out")

	require.Eventually(t, func() bool {
		_, cancels := spotify.counts()
		return cancels == 1
	}, 5*time.Second, 10*time.Millisecond, "timed out submission should be withdrawn")

	recorded := waitForDelivery(t, o, d.ID, func(d *Delivery) bool { return len(d.Errors) > 0 })
	assert.Contains(t, recorded.Errors[0], "spotify timed out")
}

func TestPanickingAdapterFailsOnlyItsPlatform(t *testing.T) {
	spotify := newFakeAdapter("spotify")
	spotify.submitPanic = true
	tidal := newFakeAdapter("tidal").script(nil, delivered("https://tidal.example/album/1"))
	o := newTestOrchestrator(t, testConfig(), nil, spotify, tidal)

	d := createRelease(t, o, "spotify", "tidal")
	done := waitForDelivery(t, o, d.ID, func(d *Delivery) bool { return d.Status.IsTerminal() })

	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.PlatformDeliveries["spotify"].Error, "panicked")
	assert.Equal(t, StatusDelivered, done.PlatformDeliveries["tidal"].Status)

	recorded := waitForDelivery(t, o, d.ID, func(d *Delivery) bool { return len(d.Errors) > 0 })
	assert.Equal(t, []string{"spotify: platform task panicked: nil upload session"}, recorded.Errors)
}

func TestResumeWithoutAdapterRecordsError(t *testing.T) {
	db := studiotest.CreateTestDB(t)
	ctx := context.Background()

	first := newTestOrchestratorWithDB(t, db, testConfig(), nil, newFakeAdapter("spotify"))
	d := createRelease(t, first, "spotify")
	waitForDelivery(t, first, d.ID, platformIs("spotify", StatusProcessing))
	first.Stop()

	// spotify is no longer registered after the restart
	pub := pulse.NewPublisher()
	second := newTestOrchestratorWithDB(t, db, testConfig(), pub)
	require.NoError(t, second.Start(ctx))

	failed := waitForDelivery(t, second, d.ID, func(d *Delivery) bool { return len(d.Errors) > 0 })
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "no adapter registered for platform", failed.PlatformDeliveries["spotify"].Error)
	assert.Equal(t, []string{"spotify: no adapter registered for platform"}, failed.Errors)

	require.Eventually(t, func() bool {
		snap, ok := pub.Latest(pulse.DeliveryKey(d.ID))
		return ok && snap.Error == "spotify: no adapter registered for platform"
	}, 5*time.Second, 10*time.Millisecond, "the recorded error is published")
}

func TestLatestSnapshotFollowsCommitsNotClock(t *testing.T) {
	pub := pulse.NewPublisher()
	spotify := newFakeAdapter("spotify").script(nil, delivered("https://open.spotify.example/album/1"))
	tidal := newFakeAdapter("tidal").script(nil, delivered("https://tidal.example/album/1"))
	o := newTestOrchestrator(t, testConfig(), pub, spotify, tidal)

	// A clock that runs backwards stamps every later write as older
	var mu sync.Mutex
	clock := time.Now()
	o.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(-time.Second)
		return clock
	}

	d := createRelease(t, o, "spotify", "tidal")
	done := waitForDelivery(t, o, d.ID, statusIs(StatusDelivered))

	require.Eventually(t, func() bool {
		snap, ok := pub.Latest(pulse.DeliveryKey(d.ID))
		return ok && snap.Revision == done.Revision
	}, 5*time.Second, 10*time.Millisecond)
	snap, _ := pub.Latest(pulse.DeliveryKey(d.ID))
	assert.True(t, snap.Terminal)
	assert.Equal(t, "delivered", snap.State)
	assert.Equal(t, 100, snap.Percent)
}

func TestResumeAfterRestartPollsExistingHandle(t *testing.T) {
	db := studiotest.CreateTestDB(t)
	ctx := context.Background()

	before := newFakeAdapter("spotify")
	first := newTestOrchestratorWithDB(t, db, testConfig(), nil, before)
	d := createRelease(t, first, "spotify")
	waitForDelivery(t, first, d.ID, platformIs("spotify", StatusProcessing))
	first.Stop()

	interrupted, err := first.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, interrupted.Status, "shutdown leaves platforms for resume")
	handle := interrupted.PlatformDeliveries["spotify"].Handle
	require.NotEmpty(t, handle)

	after := newFakeAdapter("spotify").script(nil, delivered("https://open.spotify.example/album/1"))
	second := newTestOrchestratorWithDB(t, db, testConfig(), nil, after)
	require.NoError(t, second.Start(ctx))

	done := waitForDelivery(t, second, d.ID, statusIs(StatusDelivered))
	assert.Equal(t, handle, done.PlatformDeliveries["spotify"].Handle)
	submits, _ := after.counts()
	assert.Zero(t, submits, "a platform with a handle is polled, not resubmitted")
}

func TestDeliverySnapshotsArePublished(t *testing.T) {
	pub := pulse.NewPublisher()
	spotify := newFakeAdapter("spotify").script(nil, delivered("https://open.spotify.example/album/1"))
	tidal := newFakeAdapter("tidal").script(nil, delivered("https://tidal.example/album/1"))
	o := newTestOrchestrator(t, testConfig(), pub, spotify, tidal)

	sub := pub.Subscribe(pulse.ProjectKey("album-7"))
	defer sub.Close()
	d := createRelease(t, o, "spotify", "tidal")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		snap, err := sub.Next(ctx)
		require.NoError(t, err, "never saw the final snapshot")
		if snap.ID != d.ID || !snap.Terminal {
			continue
		}
		assert.Equal(t, "delivered", snap.State)
		assert.Equal(t, 100, snap.Percent)
		assert.Len(t, snap.Platforms, 2)
		return
	}
}

func TestStatsCountsDeliveries(t *testing.T) {
	spotify := newFakeAdapter("spotify").script(nil, delivered("https://open.spotify.example/album/1"))
	o := newTestOrchestrator(t, testConfig(), nil, spotify)

	d := createRelease(t, o, "spotify")
	waitForDelivery(t, o, d.ID, statusIs(StatusDelivered))

	stats, err := o.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[StatusDelivered])
	assert.Equal(t, []PlatformID{"spotify"}, stats.Platforms)
}

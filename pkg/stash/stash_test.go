package stash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
	"go.uber.org/goleak"

	"github.com/grafana/symbolserver/pkg/health"
	"github.com/grafana/symbolserver/pkg/memdb"
	"github.com/grafana/symbolserver/pkg/sdk"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	sdkA = "iOS_10.3.1_14E8301"
	sdkB = "iOS_11.0.0_15A372"
	sdkC = "tvOS_11.0.1_15J381"
)

var imageUUID = uuid.MustParse("6a9a07f6-3b5c-3b8e-9a0f-5e2b1c6d7e8f")

func buildDB(t testing.TB, sdkID string, symbols int) []byte {
	t.Helper()
	w := memdb.NewWriter(sdkID)
	entries := make([]memdb.Entry, symbols)
	for i := range entries {
		entries[i] = memdb.Entry{Addr: uint64(i+1) * 0x100, Name: fmt.Sprintf("sym%d", i)}
	}
	require.NoError(t, w.AddImage(memdb.ImageSpec{
		UUID:    imageUUID,
		Path:    "/usr/lib/libfoo.dylib",
		Arch:    "arm64",
		Symbols: entries,
	}))
	b, err := w.Bytes()
	require.NoError(t, err)
	return b
}

func openDB(t testing.TB, sdkID string, symbols int) *memdb.DB {
	t.Helper()
	db, err := memdb.Open(buildDB(t, sdkID, symbols))
	require.NoError(t, err)
	return db
}

type fakeSource struct {
	mu    sync.Mutex
	dbs   map[string]*memdb.DB
	loads map[string]int
	err   error
	block chan struct{}
}

func newFakeSource(dbs ...*memdb.DB) *fakeSource {
	f := &fakeSource{
		dbs:   make(map[string]*memdb.DB),
		loads: make(map[string]int),
	}
	for _, db := range dbs {
		f.dbs[db.SdkID()] = db
	}
	return f
}

func (f *fakeSource) Load(ctx context.Context, info sdk.Info) (*memdb.DB, error) {
	f.mu.Lock()
	f.loads[info.ID()]++
	block, err := f.block, f.err
	db, ok := f.dbs[info.ID()]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, ErrUnknownSdk
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (f *fakeSource) List(context.Context) ([]sdk.Info, error) {
	var infos []sdk.Info
	for id := range f.dbs {
		info, _ := sdk.Parse(id)
		infos = append(infos, info)
	}
	sdk.Sort(infos)
	return infos, nil
}

func (f *fakeSource) setBlock(c chan struct{}) {
	f.mu.Lock()
	f.block = c
	f.mu.Unlock()
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSource) loadCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[id]
}

func testConfig() Config {
	return Config{
		MaxDatabases:           4,
		SweepInterval:          time.Minute,
		LoadTimeout:            time.Minute,
		HealthFailureThreshold: 2,
	}
}

func newTestStash(t *testing.T, cfg Config, src Source) *Stash {
	t.Helper()
	s, err := New(cfg, src, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	return s
}

func waiters(s *Stash, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flights[id]; ok {
		return f.waiters
	}
	return 0
}

func TestAcquire(t *testing.T) {
	db := openDB(t, sdkA, 3)
	src := newFakeSource(db)
	s := newTestStash(t, testConfig(), src)

	got, err := s.Acquire(context.Background(), sdkA)
	require.NoError(t, err)
	assert.Same(t, db, got)

	got, err = s.Acquire(context.Background(), sdkA)
	require.NoError(t, err)
	assert.Same(t, db, got)

	assert.Equal(t, 1, src.loadCount(sdkA))
	assert.Equal(t, []string{sdkA}, s.Cached())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.misses))
}

func TestAcquireCanonicalID(t *testing.T) {
	// The database records the identifier without the patch version.
	db := openDB(t, "iOS_11.0_15A372", 3)
	src := newFakeSource()
	src.dbs[sdkB] = db
	s := newTestStash(t, testConfig(), src)

	for _, id := range []string{"iOS_11.0_15A372", sdkB} {
		got, err := s.Acquire(context.Background(), id)
		require.NoError(t, err)
		assert.Same(t, db, got)
	}
	assert.Equal(t, 1, src.loadCount(sdkB))
	assert.Equal(t, []string{sdkB}, s.Cached())
}

func TestAcquireUnknownSdk(t *testing.T) {
	src := newFakeSource()
	s := newTestStash(t, testConfig(), src)

	for _, id := range []string{"", "garbage", "iOS_x.y_z", sdkB} {
		_, err := s.Acquire(context.Background(), id)
		assert.ErrorIs(t, err, ErrUnknownSdk, id)
		assert.True(t, IsUnknownSdk(err))
		assert.False(t, IsLoadError(err))
	}
	// Only the well-formed identifier reached the source.
	assert.Equal(t, 1, src.loadCount(sdkB))
	assert.Empty(t, s.Cached())
	assert.True(t, s.Healthy())

	_, err := s.Acquire(context.Background(), sdkB)
	assert.ErrorIs(t, err, ErrUnknownSdk)
	assert.Equal(t, 2, src.loadCount(sdkB), "unknown sdk must not be cached")
}

func TestAcquireSingleFlight(t *testing.T) {
	const callers = 16
	db := openDB(t, sdkA, 3)
	src := newFakeSource(db)
	release := make(chan struct{})
	src.setBlock(release)
	s := newTestStash(t, testConfig(), src)

	var wg sync.WaitGroup
	results := make([]*memdb.DB, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Acquire(context.Background(), sdkA)
		}(i)
	}
	require.Eventually(t, func() bool {
		return waiters(s, sdkA) == callers
	}, 5*time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, db, results[i])
	}
	assert.Equal(t, 1, src.loadCount(sdkA))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.loads.WithLabelValues(loadSuccess)))
}

func TestAcquireSharedFailure(t *testing.T) {
	const callers = 8
	src := newFakeSource(openDB(t, sdkA, 3))
	release := make(chan struct{})
	src.setBlock(release)
	cause := errors.New("bucket unavailable")
	src.setErr(cause)
	s := newTestStash(t, testConfig(), src)

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Acquire(context.Background(), sdkA)
		}(i)
	}
	require.Eventually(t, func() bool {
		return waiters(s, sdkA) == callers
	}, 5*time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		var le *LoadError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, sdkA, le.SdkID)
		assert.ErrorIs(t, err, cause)
	}
	assert.Equal(t, 1, src.loadCount(sdkA))
	assert.Empty(t, s.Cached())

	// A failed load leaves nothing behind: the next call loads again.
	src.setErr(nil)
	_, err := s.Acquire(context.Background(), sdkA)
	require.NoError(t, err)
	assert.Equal(t, 2, src.loadCount(sdkA))
}

func TestAcquireCallerCancel(t *testing.T) {
	src := newFakeSource(openDB(t, sdkA, 3))
	release := make(chan struct{})
	src.setBlock(release)
	s := newTestStash(t, testConfig(), src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := s.Acquire(ctx, sdkA)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return waiters(s, sdkA) == 1
	}, 5*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The load is abandoned once nobody waits for it.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.loads.WithLabelValues(loadCanceled)) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Empty(t, s.Cached())
	assert.True(t, s.Healthy())
	assert.Equal(t, int64(0), s.health.consecutiveFailures.Load())

	close(release)
	_, err := s.Acquire(context.Background(), sdkA)
	require.NoError(t, err)
	assert.Equal(t, 2, src.loadCount(sdkA))
}

func TestAcquireCallerLeavesSharedLoad(t *testing.T) {
	db := openDB(t, sdkA, 3)
	src := newFakeSource(db)
	release := make(chan struct{})
	src.setBlock(release)
	s := newTestStash(t, testConfig(), src)

	impatient, cancel := context.WithCancel(context.Background())
	impatientErr := make(chan error)
	go func() {
		_, err := s.Acquire(impatient, sdkA)
		impatientErr <- err
	}()
	patient := make(chan *memdb.DB)
	go func() {
		got, err := s.Acquire(context.Background(), sdkA)
		assert.NoError(t, err)
		patient <- got
	}()
	require.Eventually(t, func() bool {
		return waiters(s, sdkA) == 2
	}, 5*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-impatientErr, context.Canceled)
	close(release)
	assert.Same(t, db, <-patient)
	assert.Equal(t, 1, src.loadCount(sdkA))
	assert.Equal(t, []string{sdkA}, s.Cached())
}

func TestAcquireLoadTimeout(t *testing.T) {
	src := newFakeSource(openDB(t, sdkA, 3))
	src.setBlock(make(chan struct{}))
	cfg := testConfig()
	cfg.LoadTimeout = 10 * time.Millisecond
	s := newTestStash(t, cfg, src)

	_, err := s.Acquire(context.Background(), sdkA)
	assert.True(t, IsLoadError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), s.health.consecutiveFailures.Load())
}

func TestEvictionByCount(t *testing.T) {
	a, b, c := openDB(t, sdkA, 3), openDB(t, sdkB, 3), openDB(t, sdkC, 3)
	src := newFakeSource(a, b, c)
	cfg := testConfig()
	cfg.MaxDatabases = 2
	s := newTestStash(t, cfg, src)
	ctx := context.Background()

	heldA, err := s.Acquire(ctx, sdkA)
	require.NoError(t, err)
	_, err = s.Acquire(ctx, sdkB)
	require.NoError(t, err)
	_, err = s.Acquire(ctx, sdkC)
	require.NoError(t, err)

	assert.Equal(t, []string{sdkB, sdkC}, s.Cached())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.evictions.WithLabelValues(evictCapacity)))
	assert.Equal(t, uint64(b.Size()+c.Size()), s.size)

	// A holder of an evicted database keeps using it.
	img, ok := heldA.FindImageByUUID(imageUUID)
	require.True(t, ok)
	assert.Equal(t, 2, img.Symbols().Search(0x300))

	_, err = s.Acquire(ctx, sdkA)
	require.NoError(t, err)
	assert.Equal(t, 2, src.loadCount(sdkA))
	assert.Equal(t, []string{sdkC, sdkA}, s.Cached())
}

func TestEvictionByBytes(t *testing.T) {
	a, b, c := openDB(t, sdkA, 100), openDB(t, sdkB, 100), openDB(t, sdkC, 100)
	src := newFakeSource(a, b, c)
	cfg := testConfig()
	cfg.MaxBytes = uint64(a.Size() + c.Size())
	s := newTestStash(t, cfg, src)
	ctx := context.Background()

	for _, id := range []string{sdkA, sdkB} {
		_, err := s.Acquire(ctx, id)
		require.NoError(t, err)
	}
	// Touch A so that B is the least recently used.
	_, err := s.Acquire(ctx, sdkA)
	require.NoError(t, err)
	_, err = s.Acquire(ctx, sdkC)
	require.NoError(t, err)

	assert.Equal(t, []string{sdkA, sdkC}, s.Cached())
	assert.LessOrEqual(t, s.size, cfg.MaxBytes)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.evictions.WithLabelValues(evictBytes)))

	// A database larger than the bound is still served.
	cfg.MaxBytes = 1
	s = newTestStash(t, cfg, src)
	got, err := s.Acquire(ctx, sdkA)
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.Equal(t, []string{sdkA}, s.Cached())
}

func TestIdleSweep(t *testing.T) {
	src := newFakeSource(openDB(t, sdkA, 3), openDB(t, sdkB, 3))
	cfg := testConfig()
	cfg.IdleTimeout = time.Hour
	s := newTestStash(t, cfg, src)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Acquire(ctx, sdkA)
	require.NoError(t, err)
	now = now.Add(30 * time.Minute)
	_, err = s.Acquire(ctx, sdkB)
	require.NoError(t, err)

	now = now.Add(45 * time.Minute)
	require.NoError(t, s.sweep(ctx))
	assert.Equal(t, []string{sdkB}, s.Cached())

	// Acquiring refreshes the idle timestamp.
	_, err = s.Acquire(ctx, sdkB)
	require.NoError(t, err)
	now = now.Add(59 * time.Minute)
	require.NoError(t, s.sweep(ctx))
	assert.Equal(t, []string{sdkB}, s.Cached())

	now = now.Add(2 * time.Minute)
	require.NoError(t, s.sweep(ctx))
	assert.Empty(t, s.Cached())
	assert.Equal(t, uint64(0), s.size)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.evictions.WithLabelValues(evictIdle)))
}

func TestHealth(t *testing.T) {
	src := newFakeSource(openDB(t, sdkA, 3), openDB(t, sdkB, 3))
	s := newTestStash(t, testConfig(), src)
	ctx := context.Background()

	status, err := s.Probe()
	require.NoError(t, err)
	assert.Equal(t, health.Healthy, status.Status)

	src.setErr(errors.New("access denied"))
	_, err = s.Acquire(ctx, sdkA)
	require.Error(t, err)
	assert.True(t, s.Healthy())
	status, _ = s.Probe()
	assert.Equal(t, health.Warning, status.Status)
	assert.Contains(t, status.Message, "access denied")

	_, err = s.Acquire(ctx, sdkB)
	require.Error(t, err)
	assert.False(t, s.Healthy())
	status, _ = s.Probe()
	assert.Equal(t, health.Critical, status.Status)

	// Unknown SDKs do not change the state.
	_, err = s.Acquire(ctx, sdkC)
	require.ErrorIs(t, err, ErrUnknownSdk)
	assert.False(t, s.Healthy())

	// A successful load clears it.
	src.setErr(nil)
	_, err = s.Acquire(ctx, sdkA)
	require.NoError(t, err)
	assert.True(t, s.Healthy())
	status, _ = s.Probe()
	assert.Equal(t, health.Healthy, status.Status)
	assert.Contains(t, status.Message, "resident databases: 1")
}

func TestProbeDoesNotBlock(t *testing.T) {
	src := newFakeSource(openDB(t, sdkA, 3))
	release := make(chan struct{})
	src.setBlock(release)
	s := newTestStash(t, testConfig(), src)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Acquire(context.Background(), sdkA)
	}()
	require.Eventually(t, func() bool {
		return s.inFlight.Load() == 1
	}, 5*time.Second, time.Millisecond)

	status, err := s.Probe()
	require.NoError(t, err)
	assert.Equal(t, health.Healthy, status.Status)
	assert.Contains(t, status.Message, "loads in flight: 1")

	close(release)
	<-done
}

func TestService(t *testing.T) {
	src := newFakeSource(openDB(t, sdkA, 3))
	s := newTestStash(t, testConfig(), src)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), s.Service()))

	_, err := s.Acquire(context.Background(), sdkA)
	require.NoError(t, err)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), s.Service()))
	assert.Empty(t, s.Cached())
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())
	cfg.MaxDatabases = 0
	assert.Error(t, cfg.Validate())

	_, err := New(cfg, newFakeSource(), log.NewNopLogger(), nil)
	assert.Error(t, err)
}

func TestBucketLoader(t *testing.T) {
	ctx := context.Background()
	bucket := objstore.NewInMemBucket()
	loader := NewBucketLoader(bucket, memdb.WithCRC())

	plain := buildDB(t, sdkA, 10)
	require.NoError(t, bucket.Upload(ctx, sdkA+".memdb", bytes.NewReader(plain)))

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write(buildDB(t, sdkB, 10))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, bucket.Upload(ctx, sdkB+".memdb", &gz))

	var zs bytes.Buffer
	zw, err := zstd.NewWriter(&zs)
	require.NoError(t, err)
	_, err = zw.Write(buildDB(t, sdkC, 10))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, bucket.Upload(ctx, sdkC+".memdb", &zs))

	// Misnamed: the object holds the database of another SDK.
	require.NoError(t, bucket.Upload(ctx, "iOS_9.0.0_13A344.memdb", bytes.NewReader(plain)))
	require.NoError(t, bucket.Upload(ctx, "README.md", bytes.NewReader([]byte("hi"))))
	// Not canonical: Load would look for iOS_10.3.0_14E277.memdb instead.
	require.NoError(t, bucket.Upload(ctx, "iOS_10.3_14E277.memdb", bytes.NewReader(plain)))
	require.NoError(t, bucket.Upload(ctx, "sdks/"+sdkA+".memdb", bytes.NewReader(plain)))

	for _, id := range []string{sdkA, sdkB, sdkC} {
		info, err := sdk.Parse(id)
		require.NoError(t, err)
		db, err := loader.Load(ctx, info)
		require.NoError(t, err, id)
		assert.Equal(t, id, db.SdkID())
		assert.Len(t, db.Images(), 1)
	}

	info, _ := sdk.Parse("iOS_9.0_13A344")
	_, err = loader.Load(ctx, info)
	assert.ErrorContains(t, err, "holds the database of sdk")

	info, _ = sdk.Parse("iOS_12.0_16A366")
	_, err = loader.Load(ctx, info)
	assert.ErrorIs(t, err, ErrUnknownSdk)

	infos, err := loader.List(ctx)
	require.NoError(t, err)
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID()
	}
	assert.Equal(t, []string{"iOS_9.0.0_13A344", sdkA, "iOS_11.0.0_15A372", "tvOS_11.0.1_15J381"}, ids)
}

func TestStashOverBucket(t *testing.T) {
	ctx := context.Background()
	bucket := objstore.NewInMemBucket()
	require.NoError(t, bucket.Upload(ctx, sdkA+".memdb", bytes.NewReader(buildDB(t, sdkA, 3))))
	require.NoError(t, bucket.Upload(ctx, sdkA+".broken.memdb", bytes.NewReader([]byte("MEMD"))))
	s := newTestStash(t, testConfig(), NewBucketLoader(bucket))

	db, err := s.Acquire(ctx, sdkA)
	require.NoError(t, err)
	assert.Equal(t, sdkA, db.SdkID())

	_, err = s.Acquire(ctx, sdkB)
	assert.ErrorIs(t, err, ErrUnknownSdk)
	assert.True(t, s.Healthy())

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, sdkA, infos[0].ID())
}

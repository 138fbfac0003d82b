package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harborside/media-vault/pkg/config"
	"github.com/harborside/media-vault/pkg/jobs"
)

type stubPointerStore struct {
	mediaID       string
	correlationID string
	locked        bool
	lockHeld      bool
	releases      int
}

func (s *stubPointerStore) SetLatest(_ context.Context, _, _, _ string, mediaID, correlationID string, _ time.Duration) error {
	s.mediaID = mediaID
	s.correlationID = correlationID
	return nil
}

func (s *stubPointerStore) GetLatest(_ context.Context, _, _, _ string) (string, string, bool, error) {
	if s.mediaID == "" {
		return "", "", false, nil
	}
	return s.mediaID, s.correlationID, true, nil
}

func (s *stubPointerStore) AcquireDispatchLock(_ context.Context, _, _, _ string, _ time.Duration) (bool, error) {
	if s.lockHeld {
		return false, nil
	}
	s.locked = true
	return true, nil
}

func (s *stubPointerStore) ReleaseDispatchLock(_ context.Context, _, _, _ string) error {
	s.locked = false
	s.releases++
	return nil
}

type stubConverter struct {
	converted []string
	onConvert func(mediaID string)
	err       error
}

func (s *stubConverter) Convert(_ context.Context, mediaID, _ string) error {
	if s.err != nil {
		return s.err
	}
	s.converted = append(s.converted, mediaID)
	if s.onConvert != nil {
		s.onConvert(mediaID)
	}
	return nil
}

type stubOptimizeTrigger struct {
	triggered []string
}

func (s *stubOptimizeTrigger) Trigger(mediaID string) {
	s.triggered = append(s.triggered, mediaID)
}

type stubScopeFlusher struct {
	kept []string
}

func (s *stubScopeFlusher) FlushOwnerPending(_ context.Context, _, _, _ string, keepMediaID string) (int, error) {
	s.kept = append(s.kept, keepMediaID)
	return 0, nil
}

func newDispatchFixture(t *testing.T) (*DispatchService, *stubPointerStore, *stubConverter, *stubOptimizeTrigger, *stubQueue) {
	t.Helper()
	pointers := &stubPointerStore{}
	converter := &stubConverter{}
	optimizer := &stubOptimizeTrigger{}
	queue := &stubQueue{}
	svc := NewDispatchService(pointers, converter, optimizer, &stubScopeFlusher{},
		config.DispatcherConfig{PointerTTL: time.Minute, LockTTL: 30 * time.Second, MaxIterations: 3},
		NewMetricsService(), zap.NewNop())
	svc.AttachQueue(queue)
	return svc, pointers, converter, optimizer, queue
}

func dispatchJob() jobs.Job {
	key := DispatchKey{TenantID: "t1", OwnerID: "u1", Collection: "avatar"}
	return jobs.Job{ID: JobTypeDispatch + ":" + key.String(), Type: JobTypeDispatch, Payload: key}
}

func TestDispatchServiceRecordSetsPointerAndTriggers(t *testing.T) {
	svc, pointers, _, _, queue := newDispatchFixture(t)

	require.NoError(t, svc.Record(context.Background(), "t1", "u1", "avatar", "m1", "corr-1"))
	assert.Equal(t, "m1", pointers.mediaID)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, JobTypeDispatch, queue.jobs[0].Type)
}

func TestDispatchServiceConvertsLatestOnce(t *testing.T) {
	svc, pointers, converter, optimizer, _ := newDispatchFixture(t)
	pointers.mediaID = "m2"
	pointers.correlationID = "corr-2"

	require.NoError(t, svc.Process(context.Background(), dispatchJob()))
	assert.Equal(t, []string{"m2"}, converter.converted)
	assert.Equal(t, []string{"m2"}, optimizer.triggered)
	assert.Equal(t, 1, pointers.releases)
	assert.False(t, pointers.locked)
}

func TestDispatchServiceFlushesReplacedMediaAfterConversion(t *testing.T) {
	pointers := &stubPointerStore{mediaID: "m2", correlationID: "corr-2"}
	converter := &stubConverter{}
	cleanup := &stubScopeFlusher{}
	svc := NewDispatchService(pointers, converter, &stubOptimizeTrigger{}, cleanup,
		config.DispatcherConfig{PointerTTL: time.Minute, LockTTL: 30 * time.Second, MaxIterations: 3},
		NewMetricsService(), zap.NewNop())
	svc.AttachQueue(&stubQueue{})

	require.NoError(t, svc.Process(context.Background(), dispatchJob()))

	// The scope's replaced media loses its files once the new one converts;
	// the converted media itself is kept.
	assert.Equal(t, []string{"m2"}, cleanup.kept)
}

func TestDispatchServicePicksUpMidrunReplacement(t *testing.T) {
	svc, pointers, converter, _, _ := newDispatchFixture(t)
	pointers.mediaID = "m1"
	converter.onConvert = func(mediaID string) {
		// A second upload lands while m1 converts.
		if mediaID == "m1" {
			pointers.mediaID = "m2"
		}
	}

	require.NoError(t, svc.Process(context.Background(), dispatchJob()))
	assert.Equal(t, []string{"m1", "m2"}, converter.converted)
}

func TestDispatchServiceSkipsWhenLockHeld(t *testing.T) {
	svc, pointers, converter, _, _ := newDispatchFixture(t)
	pointers.mediaID = "m1"
	pointers.lockHeld = true

	require.NoError(t, svc.Process(context.Background(), dispatchJob()))
	assert.Empty(t, converter.converted)
}

func TestDispatchServiceNoPointerIsNoop(t *testing.T) {
	svc, _, converter, _, _ := newDispatchFixture(t)
	require.NoError(t, svc.Process(context.Background(), dispatchJob()))
	assert.Empty(t, converter.converted)
}

func TestDispatchServiceRetriggersAfterIterationBudget(t *testing.T) {
	svc, pointers, converter, _, queue := newDispatchFixture(t)
	pointers.mediaID = "m-0"
	n := 0
	converter.onConvert = func(string) {
		// The pointer moves on every pass; the loop can never catch up.
		n++
		pointers.mediaID = "m-" + strconv.Itoa(n)
	}

	require.NoError(t, svc.Process(context.Background(), dispatchJob()))
	assert.Len(t, converter.converted, 3)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, JobTypeDispatch, queue.jobs[0].Type)
}

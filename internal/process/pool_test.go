package process

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobCapturesInput(t *testing.T) {
	payload := map[string]string{"id": "123"}
	job := NewJob("image", "job-1", "asset-1", payload)

	if job.Kind != "image" || job.ID != "job-1" || job.AssetID != "asset-1" {
		t.Fatalf("unexpected job identity: %+v", job)
	}
	if job.Status != JobStatusPending {
		t.Fatalf("new job status = %v", job.Status)
	}

	got, ok := job.Input.(map[string]string)
	if !ok {
		t.Fatalf("job input type mismatch: %#v", job.Input)
	}
	if got["id"] != "123" {
		t.Fatalf("job input not preserved: %#v", got)
	}
}

func TestMarkFailedSetsStatusAndError(t *testing.T) {
	job := NewJob("image", "job-2", "asset-2", nil)
	MarkRunning(job)
	MarkFailed(job, errors.New("boom"))

	if job.Status != JobStatusFailed {
		t.Fatalf("job status not failed: %v", job.Status)
	}
	if job.Error == "" {
		t.Fatal("job error not recorded")
	}
	if job.FinishedAt.Before(job.StartedAt) {
		t.Fatal("finished before started")
	}
}

func TestMarkFailedDoesNotOverwriteErrorWhenNil(t *testing.T) {
	job := NewJob("image", "job-3", "asset-3", nil)
	MarkFailed(job, nil)

	if job.Status != JobStatusFailed {
		t.Fatalf("job status not failed: %v", job.Status)
	}
	if job.Error != "" {
		t.Fatalf("expected empty error string, got %q", job.Error)
	}
	if job.Duration() != 0 {
		t.Fatalf("job that never ran has duration %v", job.Duration())
	}
}

func TestPoolRunsJobs(t *testing.T) {
	pool := NewPool(2, nil)
	ctx := context.Background()

	ok, err := pool.Submit(ctx, NewJob("image", "a", "1", nil), func(ctx context.Context, job *Job) error { return nil })
	require.NoError(t, err)
	bad, err := pool.Submit(ctx, NewJob("image", "b", "2", nil), func(ctx context.Context, job *Job) error { return errors.New("nope") })
	require.NoError(t, err)

	require.NoError(t, ok.Wait(ctx))
	assert.EqualError(t, bad.Wait(ctx), "nope")
	assert.Equal(t, JobStatusSucceeded, ok.Job().Status)
	assert.Equal(t, JobStatusFailed, bad.Job().Status)
	assert.Equal(t, "nope", bad.Job().Error)

	require.NoError(t, pool.Shutdown(ctx))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	pool := NewPool(size, nil)
	ctx := context.Background()

	var running, peak atomic.Int32
	var handles []*Handle
	for i := 0; i < 12; i++ {
		h, err := pool.Submit(ctx, NewJob("image", "j", "a", nil), func(ctx context.Context, job *Job) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, h.Wait(ctx))
	}
	assert.LessOrEqual(t, peak.Load(), int32(size))
	require.NoError(t, pool.Shutdown(ctx))
}

func TestPoolSubmitRespectsContext(t *testing.T) {
	pool := NewPool(1, nil)
	release := make(chan struct{})

	_, err := pool.Submit(context.Background(), NewJob("image", "a", "1", nil), func(ctx context.Context, job *Job) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Submit(ctx, NewJob("image", "b", "2", nil), func(ctx context.Context, job *Job) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := NewPool(1, nil)
	h, err := pool.Submit(context.Background(), NewJob("image", "a", "1", nil), func(ctx context.Context, job *Job) error {
		panic("bad frame")
	})
	require.NoError(t, err)
	assert.ErrorContains(t, h.Wait(context.Background()), "bad frame")
}

func TestPoolShutdownWaitsAndRejects(t *testing.T) {
	pool := NewPool(2, nil)
	var finished sync.WaitGroup
	finished.Add(1)

	_, err := pool.Submit(context.Background(), NewJob("image", "a", "1", nil), func(ctx context.Context, job *Job) error {
		time.Sleep(20 * time.Millisecond)
		finished.Done()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, pool.Shutdown(context.Background()))
	finished.Wait()

	_, err = pool.Submit(context.Background(), NewJob("image", "b", "2", nil), func(ctx context.Context, job *Job) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolShutdownCancelsOnDeadline(t *testing.T) {
	pool := NewPool(1, nil)
	h, err := pool.Submit(context.Background(), NewJob("image", "a", "1", nil), func(ctx context.Context, job *Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Shutdown(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, h.Wait(context.Background()), context.Canceled)
}

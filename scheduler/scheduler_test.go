package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdvancer struct {
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (f *fakeAdvancer) AdvancePending(ctx context.Context) (int, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return 1, f.err
}

type fakeDrainer struct {
	calls atomic.Int32
	max   int
}

func (f *fakeDrainer) Drain(_ context.Context, max int, _ ...string) (int, error) {
	f.calls.Add(1)
	f.max = max
	return 3, nil
}

func TestTick_DrainsThenAdvances(t *testing.T) {
	adv := &fakeAdvancer{}
	q := &fakeDrainer{}
	s := New("@every 1m", adv, q, 50, zerolog.Nop())

	s.Tick(context.Background())

	assert.EqualValues(t, 1, q.calls.Load())
	assert.Equal(t, 50, q.max)
	assert.EqualValues(t, 1, adv.calls.Load())
}

func TestTick_AdvanceErrorIsLogged(t *testing.T) {
	adv := &fakeAdvancer{err: errors.New("db down")}
	s := New("", adv, nil, 0, zerolog.Nop())

	s.Tick(context.Background())
	s.Tick(context.Background())

	assert.EqualValues(t, 2, adv.calls.Load())
}

func TestTick_SkipsOverlap(t *testing.T) {
	adv := &fakeAdvancer{block: make(chan struct{})}
	s := New("", adv, nil, 0, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Tick(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return adv.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Tick(context.Background())
	assert.EqualValues(t, 1, adv.calls.Load())

	close(adv.block)
	<-done
}

func TestStart_InvalidSpec(t *testing.T) {
	s := New("not a cron", &fakeAdvancer{}, nil, 0, zerolog.Nop())
	assert.Error(t, s.Start(context.Background()))
}

func TestStart_EmptySpecIsNoop(t *testing.T) {
	s := New("", &fakeAdvancer{}, nil, 0, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

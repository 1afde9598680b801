package transmit

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassiomorais/telemetry/internal/domain/transmission"
	"github.com/cassiomorais/telemetry/internal/spool"
)

// fakeSender scripts one response per call; the last entry repeats.
type fakeSender struct {
	mu      sync.Mutex
	calls   int
	script  []func() (*Result, error)
}

func (f *fakeSender) Send(ctx context.Context, t *transmission.Transmission) (*Result, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	return f.script[i]()
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func ok() (*Result, error)        { return &Result{Status: StatusSuccess, HTTPCode: 200}, nil }
func serverErr() (*Result, error) { return &Result{Status: StatusRetryable, HTTPCode: 503}, assert.AnError }
func rejected() (*Result, error)  { return &Result{Status: StatusPermanent, HTTPCode: 400}, nil }

func fastConfig() Config {
	return Config{
		Interval:       50 * time.Millisecond,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		DisposeGrace:   time.Second,
	}
}

func newSpool(t *testing.T) (*spool.Spool, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := spool.Open(dir, spool.Config{}, zerolog.Nop())
	require.NoError(t, err)
	return s, dir
}

func enqueue(t *testing.T, s *spool.Spool, createdAt time.Time) {
	t.Helper()
	res := s.Enqueue(transmission.New(
		"https://ingest.example.com/v2/track",
		[]byte(`{"name":"startup"}`),
		"application/x-json-stream",
		"gzip",
		createdAt,
	))
	require.Equal(t, spool.Accepted, res)
}

func countTrn(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".trn" {
			n++
		}
	}
	return n
}

func TestDrain_Success(t *testing.T) {
	s, dir := newSpool(t)
	enqueue(t, s, time.Now())

	sender := &fakeSender{script: []func() (*Result, error){ok}}
	tx := New(s, sender, fastConfig(), zerolog.Nop())
	defer tx.Dispose()

	require.Eventually(t, func() bool { return countTrn(t, dir) == 0 }, 3*time.Second, 10*time.Millisecond,
		"delivered file must be deleted")
	assert.GreaterOrEqual(t, sender.callCount(), 1)
}

func TestDrain_RetryableLeavesFile(t *testing.T) {
	s, dir := newSpool(t)
	enqueue(t, s, time.Now())

	sender := &fakeSender{script: []func() (*Result, error){serverErr}}
	tx := New(s, sender, fastConfig(), zerolog.Nop())

	require.Eventually(t, func() bool { return sender.callCount() >= 2 }, 3*time.Second, 10*time.Millisecond,
		"retryable failures must be attempted again")
	tx.Dispose()
	assert.Equal(t, 1, countTrn(t, dir), "file stays committed after retryable failures")
}

func TestDrain_PermanentDeletes(t *testing.T) {
	s, dir := newSpool(t)
	enqueue(t, s, time.Now())

	sender := &fakeSender{script: []func() (*Result, error){rejected}}
	tx := New(s, sender, fastConfig(), zerolog.Nop())
	defer tx.Dispose()

	require.Eventually(t, func() bool { return countTrn(t, dir) == 0 }, 3*time.Second, 10*time.Millisecond,
		"permanently rejected file must be dropped")
	assert.Equal(t, 1, sender.callCount())
}

func TestDrain_DeadlineDropsWithoutPost(t *testing.T) {
	s, dir := newSpool(t)
	// Three hours old against a two hour deadline.
	enqueue(t, s, time.Now().Add(-3*time.Hour))

	sender := &fakeSender{script: []func() (*Result, error){ok}}
	tx := New(s, sender, fastConfig(), zerolog.Nop())
	defer tx.Dispose()

	require.Eventually(t, func() bool { return countTrn(t, dir) == 0 }, 3*time.Second, 10*time.Millisecond,
		"expired file must be dropped")
	assert.Zero(t, sender.callCount(), "no POST for an expired transmission")
}

func TestDrain_SurvivesPanickingSender(t *testing.T) {
	s, dir := newSpool(t)
	enqueue(t, s, time.Now())

	sender := &fakeSender{script: []func() (*Result, error){
		func() (*Result, error) { panic("sender blew up") },
		ok,
	}}
	tx := New(s, sender, fastConfig(), zerolog.Nop())
	defer tx.Dispose()

	start := time.Now()
	require.Eventually(t, func() bool { return sender.callCount() >= 2 }, 3*time.Second, 5*time.Millisecond,
		"loop must keep running after a panic")
	assert.Less(t, time.Since(start), time.Second, "next attempt within a second of the failure")
	require.Eventually(t, func() bool { return countTrn(t, dir) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestDispose_StopsWorkers(t *testing.T) {
	s, _ := newSpool(t)
	sender := &fakeSender{script: []func() (*Result, error){ok}}
	tx := New(s, sender, fastConfig(), zerolog.Nop())

	done := make(chan struct{})
	go func() {
		tx.Dispose()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispose did not return within the grace period")
	}

	// No new attempts after dispose.
	s2, _ := newSpool(t)
	_ = s2
	before := sender.callCount()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, before, sender.callCount())
}

func TestDispose_Idempotent(t *testing.T) {
	s, _ := newSpool(t)
	tx := New(s, &fakeSender{script: []func() (*Result, error){ok}}, fastConfig(), zerolog.Nop())
	tx.Dispose()
	tx.Dispose()
}

func TestDrain_MultipleWorkersDrainAll(t *testing.T) {
	s, dir := newSpool(t)
	for i := 0; i < 5; i++ {
		enqueue(t, s, time.Now())
	}

	cfg := fastConfig()
	cfg.Workers = 3
	sender := &fakeSender{script: []func() (*Result, error){ok}}
	tx := New(s, sender, cfg, zerolog.Nop())
	defer tx.Dispose()

	require.Eventually(t, func() bool { return countTrn(t, dir) == 0 }, 5*time.Second, 10*time.Millisecond)
	// In-flight tracking must prevent double delivery.
	assert.Equal(t, 5, sender.callCount())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want Status
	}{
		{200, StatusSuccess},
		{204, StatusSuccess},
		{http.StatusBadRequest, StatusPermanent},
		{http.StatusRequestEntityTooLarge, StatusPermanent},
		{http.StatusUnsupportedMediaType, StatusPermanent},
		{http.StatusRequestTimeout, StatusRetryable},
		{http.StatusTooManyRequests, StatusRetryable},
		{500, StatusRetryable},
		{503, StatusRetryable},
		{302, StatusRetryable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.code), "status %d", tt.code)
	}
}

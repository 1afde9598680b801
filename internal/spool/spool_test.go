package spool

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassiomorais/telemetry/internal/clock"
	"github.com/cassiomorais/telemetry/internal/domain/transmission"
)

var trnName = regexp.MustCompile(`^\d{14}_[0-9a-f]{32}\.trn$`)

func newTransmission(t *testing.T, createdAt time.Time) *transmission.Transmission {
	t.Helper()
	return transmission.New(
		"https://ingest.example.com/v2/track",
		[]byte(`{"name":"startup","properties":{"a":"b"}}`),
		"application/x-json-stream",
		"gzip",
		createdAt,
	)
}

func openSpool(t *testing.T, dir string, cfg Config, opts ...Option) *Spool {
	t.Helper()
	s, err := Open(dir, cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return s
}

func listExt(t *testing.T, dir, ext string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ext {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestEnqueue_CommitsTrnFile(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})

	res := s.Enqueue(newTransmission(t, time.Now()))
	require.Equal(t, Accepted, res)

	trns := listExt(t, dir, extTrn)
	require.Len(t, trns, 1)
	assert.Regexp(t, trnName, trns[0])
	assert.Empty(t, listExt(t, dir, extTmp), "no tmp file may survive a commit")
}

func TestEnqueue_PeekRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})

	in := newTransmission(t, time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC))
	require.Equal(t, Accepted, s.Enqueue(in))

	h := s.Peek()
	require.NotNil(t, h)
	assert.Equal(t, in.EndpointURL, h.Transmission.EndpointURL)
	assert.Equal(t, in.Payload, h.Transmission.Payload)
	assert.Equal(t, in.ContentType, h.Transmission.ContentType)
	assert.Equal(t, in.ContentEncoding, h.Transmission.ContentEncoding)
	assert.True(t, in.CreatedAt.Equal(h.Transmission.CreatedAt))
}

func TestEnqueue_DropsAtMaxFiles(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{MaxFiles: 2})

	assert.Equal(t, Accepted, s.Enqueue(newTransmission(t, time.Now())))
	assert.Equal(t, Accepted, s.Enqueue(newTransmission(t, time.Now())))
	assert.Equal(t, DroppedCapacity, s.Enqueue(newTransmission(t, time.Now())))
	assert.Len(t, listExt(t, dir, extTrn), 2)
}

func TestEnqueue_DropsAtCapacityBytes(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{CapacityBytes: 1})

	// The first enqueue is admitted against an empty directory; every
	// subsequent one sees the committed bytes and is dropped.
	assert.Equal(t, Accepted, s.Enqueue(newTransmission(t, time.Now())))
	assert.Equal(t, DroppedCapacity, s.Enqueue(newTransmission(t, time.Now())))
}

func TestEnqueue_AdmissionSeesForeignFiles(t *testing.T) {
	dir := t.TempDir()
	// A second spool instance over the same directory, as another process
	// sharing it would be.
	a := openSpool(t, dir, Config{MaxFiles: 2})
	b := openSpool(t, dir, Config{MaxFiles: 2})

	assert.Equal(t, Accepted, a.Enqueue(newTransmission(t, time.Now())))
	assert.Equal(t, Accepted, b.Enqueue(newTransmission(t, time.Now())))
	assert.Equal(t, DroppedCapacity, a.Enqueue(newTransmission(t, time.Now())))
}

func TestEnqueue_Closed(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})
	s.Close()
	assert.Equal(t, DroppedIO, s.Enqueue(newTransmission(t, time.Now())))
	assert.Empty(t, listExt(t, dir, extTrn))
}

func TestPeek_EmptyDirectory(t *testing.T) {
	s := openSpool(t, t.TempDir(), Config{})
	assert.Nil(t, s.Peek())
}

func TestPeek_SkipsInFlight(t *testing.T) {
	s := openSpool(t, t.TempDir(), Config{})
	require.Equal(t, Accepted, s.Enqueue(newTransmission(t, time.Now())))

	h := s.Peek()
	require.NotNil(t, h)
	assert.Nil(t, s.Peek(), "the only file is in flight")

	s.Release(h)
	h2 := s.Peek()
	require.NotNil(t, h2)
	assert.Equal(t, h.Name, h2.Name, "released file is eligible again")
}

func TestPeek_IgnoresTmpFiles(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deadbeefdeadbeefdeadbeefdeadbeef.tmp"), []byte("partial"), 0o600))
	assert.Nil(t, s.Peek())
}

func TestPeek_QuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})
	name := "20260107120000_deadbeefdeadbeefdeadbeefdeadbeef.trn"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("not a frame"), 0o600))

	assert.Nil(t, s.Peek())
	assert.Empty(t, listExt(t, dir, extTrn))
	corrupt := listExt(t, dir, extCorrupt)
	require.Len(t, corrupt, 1)
	assert.Equal(t, "20260107120000_deadbeefdeadbeefdeadbeefdeadbeef.corrupt", corrupt[0])
}

func TestPeek_CorruptDoesNotBlockHealthy(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})
	// Corrupt file sorts before the healthy one in the newest-first scan.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20990101000000_deadbeefdeadbeefdeadbeefdeadbeef.trn"), []byte("junk"), 0o600))
	require.Equal(t, Accepted, s.Enqueue(newTransmission(t, time.Now())))

	h := s.Peek()
	require.NotNil(t, h, "healthy file found past the corrupt one")
	assert.Len(t, listExt(t, dir, extCorrupt), 1)
}

func TestDelete_RemovesFile(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})
	require.Equal(t, Accepted, s.Enqueue(newTransmission(t, time.Now())))

	h := s.Peek()
	require.NotNil(t, h)
	s.Delete(h)
	assert.Empty(t, listExt(t, dir, extTrn))
}

func TestDelete_Idempotent(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})
	require.Equal(t, Accepted, s.Enqueue(newTransmission(t, time.Now())))
	require.Equal(t, Accepted, s.Enqueue(newTransmission(t, time.Now())))

	h := s.Peek()
	require.NotNil(t, h)
	s.Delete(h)
	s.Delete(h)
	s.Release(h)

	size, count, ok := s.rescan()
	require.True(t, ok)
	assert.Equal(t, 1, count)
	assert.Positive(t, size)
}

func TestDelete_MissingFileIsSuccess(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})
	require.Equal(t, Accepted, s.Enqueue(newTransmission(t, time.Now())))

	h := s.Peek()
	require.NotNil(t, h)
	// GC or another process got there first.
	require.NoError(t, os.Remove(filepath.Join(dir, h.Name)))
	s.Delete(h)
}

func TestDelete_RecentlyDeletedNotRepeeked(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})
	require.Equal(t, Accepted, s.Enqueue(newTransmission(t, time.Now())))

	h := s.Peek()
	require.NotNil(t, h)
	s.Delete(h)

	// A same-named file reappearing (e.g. clock skew plus a slow writer on
	// another host sharing the directory) must not be handed out again.
	require.NoError(t, os.WriteFile(filepath.Join(dir, h.Name), []byte("bogus"), 0o600))
	assert.Nil(t, s.Peek())
	assert.Empty(t, listExt(t, dir, extCorrupt), "skipped, not opened and quarantined")
}

func TestQuarantine_ReplacesExistingCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})
	name := "20260107120000_cafebabecafebabecafebabecafebabe.trn"
	corruptName := "20260107120000_cafebabecafebabecafebabecafebabe.corrupt"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("fresh junk"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, corruptName), []byte("old junk"), 0o600))

	s.Quarantine(name)
	assert.Empty(t, listExt(t, dir, extTrn))
	corrupt := listExt(t, dir, extCorrupt)
	require.Len(t, corrupt, 1)
	data, err := os.ReadFile(filepath.Join(dir, corrupt[0]))
	require.NoError(t, err)
	assert.Equal(t, "fresh junk", string(data))
}

func TestQuarantine_MissingSourceIsSuccess(t *testing.T) {
	s := openSpool(t, t.TempDir(), Config{})
	s.Quarantine("20260107120000_0000000000000000000000000000000d.trn")
}

func TestGC_ExpiresTrnByFilenamePrefix(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s := openSpool(t, dir, Config{}, WithClock(clock.Fixed{T: now}))

	// More than a year old by its name prefix; mtime is fresh, proving the prefix wins.
	old := "20250101120000_cafebabecafebabecafebabecafebabe.trn"
	require.NoError(t, os.WriteFile(filepath.Join(dir, old), []byte("x"), 0o600))
	fresh := "20260131120000_beefbeefbeefbeefbeefbeefbeefbeef.trn"
	require.NoError(t, os.WriteFile(filepath.Join(dir, fresh), []byte("x"), 0o600))

	s.GC()
	trns := listExt(t, dir, extTrn)
	require.Len(t, trns, 1)
	assert.Equal(t, fresh, trns[0])
}

func TestGC_ExpiresStaleTmp(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})

	// Crash-during-enqueue leftover: a .tmp that never graduated.
	stale := filepath.Join(dir, "deadbeefdeadbeefdeadbeefdeadbeef.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))
	past := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(stale, past, past))

	s.GC()
	assert.Empty(t, listExt(t, dir, extTmp))
	assert.Empty(t, listExt(t, dir, extTrn))
}

func TestGC_KeepsFreshTmp(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "beefbeefbeefbeefbeefbeefbeefbeef.tmp"), []byte("partial"), 0o600))

	s.GC()
	assert.Len(t, listExt(t, dir, extTmp), 1)
}

func TestGC_ExpiresCorrupt(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s := openSpool(t, dir, Config{}, WithClock(clock.Fixed{T: now}))

	// 8 days old, corrupt TTL is 7.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260124000000_cafebabecafebabecafebabecafebabe.corrupt"), []byte("x"), 0o600))
	s.GC()
	assert.Empty(t, listExt(t, dir, extCorrupt))
}

func TestGC_FutureMtimeWithoutPrefixSurvives(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s := openSpool(t, dir, Config{}, WithClock(clock.Fixed{T: now}))

	// No parsable prefix and a wildly future mtime relative to the injected
	// clock: age is treated as unknown and the file is kept.
	p := filepath.Join(dir, "deadbeefdeadbeefdeadbeefdeadbeef.tmp")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))

	s.GC()
	assert.Len(t, listExt(t, dir, extTmp), 1)
}

func TestFileAge(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		fi   FileInfo
		want time.Duration
	}{
		{
			"prefix wins over mtime",
			FileInfo{Name: "20260131000000_cafebabecafebabecafebabecafebabe.trn", ModTime: now.Add(-time.Hour)},
			24 * time.Hour,
		},
		{
			"mtime fallback",
			FileInfo{Name: "cafebabecafebabecafebabecafebabe.tmp", ModTime: now.Add(-10 * time.Minute)},
			10 * time.Minute,
		},
		{
			"zero mtime treated as brand new",
			FileInfo{Name: "cafebabecafebabecafebabecafebabe.tmp"},
			0,
		},
		{
			"future mtime treated as brand new",
			FileInfo{Name: "cafebabecafebabecafebabecafebabe.tmp", ModTime: now.Add(time.Hour)},
			0,
		},
		{
			"malformed prefix falls back to mtime",
			FileInfo{Name: "2026013100000x_cafebabecafebabecafebabecafebabe.trn", ModTime: now.Add(-2 * time.Hour)},
			2 * time.Hour,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fileAge(tt.fi, now))
		})
	}
}

func TestEnqueue_Concurrent(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, dir, Config{})

	const n = 20
	var wg sync.WaitGroup
	accepted := make(chan EnqueueResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted <- s.Enqueue(newTransmission(t, time.Now()))
		}()
	}
	wg.Wait()
	close(accepted)

	var ok int
	for res := range accepted {
		if res == Accepted {
			ok++
		}
	}
	assert.Equal(t, ok, len(listExt(t, dir, extTrn)), "one .trn per accepted enqueue")
	assert.Equal(t, n, ok, "all fit under the default caps")
}

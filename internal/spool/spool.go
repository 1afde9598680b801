// Package spool implements the disk-backed transmission queue. Files move
// through three states: a .tmp while being written, a .trn once committed by
// an atomic rename, and a .corrupt when a committed file fails to decode. The
// directory may be shared by several processes; every operation tolerates
// files appearing and vanishing underneath it.
package spool

import (
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cassiomorais/telemetry/internal/clock"
	"github.com/cassiomorais/telemetry/internal/domain/transmission"
	"github.com/cassiomorais/telemetry/internal/frame"
	"github.com/cassiomorais/telemetry/internal/infrastructure/observability"
	"github.com/cassiomorais/telemetry/pkg/retry"
)

const (
	extTmp     = ".tmp"
	extTrn     = ".trn"
	extCorrupt = ".corrupt"

	// Timestamp prefix of committed filenames, UTC.
	tsLayout = "20060102150405"

	recentlyDeletedCap = 10
	dropLogEvery       = 100
)

// Config bounds the spool. Zero values are replaced by defaults at Open.
type Config struct {
	CapacityBytes int64
	MaxFiles      int
	TrnTTL        time.Duration
	CorruptTTL    time.Duration
	TmpTTL        time.Duration
	RetryDeadline time.Duration
	PeekScanLimit int
}

// DefaultConfig returns the default spool bounds.
func DefaultConfig() Config {
	return Config{
		CapacityBytes: 10 << 20,
		MaxFiles:      100,
		TrnTTL:        30 * 24 * time.Hour,
		CorruptTTL:    7 * 24 * time.Hour,
		TmpTTL:        5 * time.Minute,
		RetryDeadline: 2 * time.Hour,
		PeekScanLimit: 50,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CapacityBytes <= 0 {
		c.CapacityBytes = d.CapacityBytes
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = d.MaxFiles
	}
	if c.TrnTTL <= 0 {
		c.TrnTTL = d.TrnTTL
	}
	if c.CorruptTTL <= 0 {
		c.CorruptTTL = d.CorruptTTL
	}
	if c.TmpTTL <= 0 {
		c.TmpTTL = d.TmpTTL
	}
	if c.RetryDeadline <= 0 {
		c.RetryDeadline = d.RetryDeadline
	}
	if c.PeekScanLimit <= 0 {
		c.PeekScanLimit = d.PeekScanLimit
	}
}

// EnqueueResult reports the outcome of an enqueue.
type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	DroppedCapacity
	DroppedIO
)

func (r EnqueueResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case DroppedCapacity:
		return "dropped_capacity"
	default:
		return "dropped_io"
	}
}

// InFlight is the handle returned by Peek. Exactly one of Delete or Release
// consumes it; both are idempotent.
type InFlight struct {
	Name         string
	Transmission *transmission.Transmission

	size     int64
	consumed atomic.Bool
}

// Spool is a directory-backed queue of transmissions shared across goroutines
// and processes. All public operations swallow I/O errors; the worst outcome
// of a failure is a dropped or re-delivered transmission, never a panic or a
// propagated error.
type Spool struct {
	dir     string
	cfg     Config
	fs      FileSystem
	clk     clock.Clock
	log     zerolog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	inFlight  map[string]struct{}
	recent    [recentlyDeletedCap]string
	recentIdx int
	sizeBytes int64
	fileCount int

	dropped atomic.Uint64
	closed  atomic.Bool
}

// Option configures a Spool at Open.
type Option func(*Spool)

// WithFileSystem substitutes the backing filesystem. Test hook.
func WithFileSystem(fs FileSystem) Option {
	return func(s *Spool) { s.fs = fs }
}

// WithClock substitutes the wall clock. Test hook.
func WithClock(c clock.Clock) Option {
	return func(s *Spool) { s.clk = c }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Spool) { s.metrics = m }
}

// Open prepares dir and returns a spool over it. The only error Open can
// return is a failure to create the directory; everything after that point
// follows the swallow-and-log discipline. A GC pass is kicked off in the
// background shortly after open.
func Open(dir string, cfg Config, logger zerolog.Logger, opts ...Option) (*Spool, error) {
	cfg.applyDefaults()
	s := &Spool{
		dir:      dir,
		cfg:      cfg,
		fs:       OSFileSystem{},
		clk:      clock.System{},
		log:      logger.With().Str("component", "spool").Str("dir", dir).Logger(),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.fs.MkdirAll(dir); err != nil {
		return nil, err
	}
	s.rescan()
	go s.GC()
	return s, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// RetryDeadline returns the configured per-transmission retry deadline.
func (s *Spool) RetryDeadline() time.Duration { return s.cfg.RetryDeadline }

// Enqueue serializes t into a fresh .tmp file and commits it with an atomic
// rename to .trn. Admission is checked against a full rescan, not the cached
// counters, because other processes write to the same directory.
func (s *Spool) Enqueue(t *transmission.Transmission) EnqueueResult {
	if s.closed.Load() {
		return DroppedIO
	}

	size, count, ok := s.rescan()
	if !ok {
		return s.dropIO("rescan failed", nil)
	}
	if size >= s.cfg.CapacityBytes || count >= s.cfg.MaxFiles {
		n := s.dropped.Add(1)
		if n%dropLogEvery == 1 {
			s.log.Info().
				Uint64("dropped_total", n).
				Int64("size_bytes", size).
				Int("file_count", count).
				Msg(observability.KeyDropCapacity)
		}
		s.metrics.IncDropped("capacity")
		return DroppedCapacity
	}

	u := uuid.New()
	random := hex.EncodeToString(u[:])
	tmpName := random + extTmp
	tmpPath := filepath.Join(s.dir, tmpName)

	f, err := s.fs.CreateExclusive(tmpPath)
	if err != nil {
		return s.dropIO("create tmp", err)
	}
	if err := frame.Write(f, t); err != nil {
		f.Close()
		s.removeQuiet(tmpPath)
		return s.dropIO("write frame", err)
	}
	if err := f.Close(); err != nil {
		s.removeQuiet(tmpPath)
		return s.dropIO("close tmp", err)
	}

	finalName := s.clk.NowUTC().Format(tsLayout) + "_" + random + extTrn
	finalPath := filepath.Join(s.dir, finalName)
	if err := s.fs.Rename(tmpPath, finalPath); err != nil {
		s.removeQuiet(tmpPath)
		return s.dropIO("commit rename", err)
	}

	var fileSize int64
	if fi, err := s.fs.Stat(finalPath); err == nil {
		fileSize = fi.Size
	}
	s.mu.Lock()
	s.sizeBytes += fileSize
	s.fileCount++
	s.mu.Unlock()
	s.metrics.IncEnqueued()
	return Accepted
}

func (s *Spool) dropIO(op string, err error) EnqueueResult {
	s.log.Warn().Err(err).Str("op", op).Msg(observability.KeyDropIO)
	s.metrics.IncDropped("io")
	return DroppedIO
}

func (s *Spool) removeQuiet(path string) {
	if err := s.fs.Remove(path); err != nil && !isNotFound(err) {
		s.log.Debug().Err(err).Str("path", path).Msg("tmp cleanup failed")
	}
}

// Peek scans for a committed file not already handed out, decodes it and
// returns an in-flight handle. Corrupt files found along the way are
// quarantined; files deleted by another process are skipped. Returns nil when
// nothing decodable is in reach.
func (s *Spool) Peek() *InFlight {
	infos, err := s.fs.List(s.dir)
	if err != nil {
		s.log.Warn().Err(err).Msg("peek list failed")
		return nil
	}

	names := make([]string, 0, len(infos))
	sizes := make(map[string]int64, len(infos))
	for _, fi := range infos {
		if strings.HasSuffix(fi.Name, extTrn) {
			names = append(names, fi.Name)
			sizes[fi.Name] = fi.Size
		}
	}
	// Freshest first: the timestamp prefix makes lexicographic descending
	// order equal to newest-first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if len(names) > s.cfg.PeekScanLimit {
		names = names[:s.cfg.PeekScanLimit]
	}

	for _, name := range names {
		s.mu.Lock()
		_, busy := s.inFlight[name]
		skip := busy || s.recentContains(name)
		s.mu.Unlock()
		if skip {
			continue
		}

		t, err := s.readFrame(name)
		switch {
		case err == nil:
			s.mu.Lock()
			s.inFlight[name] = struct{}{}
			s.mu.Unlock()
			return &InFlight{Name: name, Transmission: t, size: sizes[name]}
		case errors.Is(err, frame.ErrCorrupt):
			s.log.Warn().Err(err).Str("file", name).Msg(observability.KeyPeekCorrupt)
			s.Quarantine(name)
		case isNotFound(err):
			// Deleted by GC or another process between list and open.
		default:
			s.log.Warn().Err(err).Str("file", name).Msg("peek read failed")
		}
	}
	return nil
}

func (s *Spool) readFrame(name string) (*transmission.Transmission, error) {
	f, err := s.fs.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return frame.Read(f, name)
}

// Delete removes the in-flight file from disk and releases the handle.
// Idempotent: the second call on the same handle is a no-op, and a file
// already removed by GC or another process counts as success.
func (s *Spool) Delete(h *InFlight) {
	if h == nil || !h.consumed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	delete(s.inFlight, h.Name)
	s.recent[s.recentIdx%recentlyDeletedCap] = h.Name
	s.recentIdx++
	s.mu.Unlock()

	s.removeWithRetry(filepath.Join(s.dir, h.Name))

	s.mu.Lock()
	s.sizeBytes -= h.size
	if s.sizeBytes < 0 {
		s.sizeBytes = 0
	}
	if s.fileCount > 0 {
		s.fileCount--
	}
	s.mu.Unlock()
}

// Release returns the handle without deleting the file, leaving it eligible
// for a later peek. Idempotent.
func (s *Spool) Release(h *InFlight) {
	if h == nil || !h.consumed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	delete(s.inFlight, h.Name)
	s.mu.Unlock()
}

// Quarantine renames a committed file to .corrupt so peek stops tripping over
// it. A leftover .corrupt from a previous attempt is removed first. A missing
// source means another process already dealt with it.
func (s *Spool) Quarantine(name string) {
	corruptName := strings.TrimSuffix(name, filepath.Ext(name)) + extCorrupt
	corruptPath := filepath.Join(s.dir, corruptName)

	if _, err := s.fs.Stat(corruptPath); err == nil {
		s.removeWithRetry(corruptPath)
	}
	if err := s.fs.Rename(filepath.Join(s.dir, name), corruptPath); err != nil && !isNotFound(err) {
		s.log.Warn().Err(err).Str("file", name).Msg("quarantine rename failed")
		return
	}
	s.metrics.IncQuarantined()
}

// removeWithRetry deletes path, retrying transient sharing/permission errors
// back-to-back up to three times. Missing file is success, anything else is
// logged and swallowed.
func (s *Spool) removeWithRetry(path string) {
	cfg := retry.ImmediateConfig()
	cfg.MaxAttempts = 4 // the first attempt plus three retries
	err := retry.DoIf(context.Background(), cfg, isTransient, func() error {
		err := s.fs.Remove(path)
		if isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg(observability.KeyGCDeleteFailed)
	}
}

// GC deletes every file whose age exceeds its kind's TTL. Age comes from the
// filename's timestamp prefix when present; the file mtime is the fallback,
// and an implausible mtime (zero or future-dated) keeps the file another
// round. Per-file errors are logged and skipped.
func (s *Spool) GC() {
	infos, err := s.fs.List(s.dir)
	if err != nil {
		s.log.Warn().Err(err).Msg("gc list failed")
		return
	}
	now := s.clk.NowUTC()

	ttls := map[string]time.Duration{
		extTmp:     s.cfg.TmpTTL,
		extTrn:     s.cfg.TrnTTL,
		extCorrupt: s.cfg.CorruptTTL,
	}
	for _, fi := range infos {
		ext := filepath.Ext(fi.Name)
		ttl, ok := ttls[ext]
		if !ok {
			continue
		}
		if fileAge(fi, now) <= ttl {
			continue
		}
		err := s.fs.Remove(filepath.Join(s.dir, fi.Name))
		if err != nil && !isNotFound(err) {
			s.log.Warn().Err(err).Str("file", fi.Name).Msg(observability.KeyGCDeleteFailed)
			continue
		}
		s.metrics.IncGCDeleted(strings.TrimPrefix(ext, "."))
	}
	s.rescan()
}

// Close stops admission. Files already on disk stay for the next process.
func (s *Spool) Close() {
	s.closed.Store(true)
}

// rescan recomputes the committed-file counters from the directory. Returns
// the fresh values; ok is false when the directory cannot be listed, in which
// case the cached counters are left alone.
func (s *Spool) rescan() (size int64, count int, ok bool) {
	infos, err := s.fs.List(s.dir)
	if err != nil {
		s.log.Warn().Err(err).Msg("rescan failed")
		s.mu.Lock()
		size, count = s.sizeBytes, s.fileCount
		s.mu.Unlock()
		return size, count, false
	}
	for _, fi := range infos {
		if strings.HasSuffix(fi.Name, extTrn) {
			size += fi.Size
			count++
		}
	}
	s.mu.Lock()
	s.sizeBytes = size
	s.fileCount = count
	s.mu.Unlock()
	s.metrics.ObserveSpool(count, size)
	return size, count, true
}

func (s *Spool) recentContains(name string) bool {
	for _, n := range s.recent {
		if n == name {
			return true
		}
	}
	return false
}

// fileAge derives a file's age for TTL purposes. The timestamp prefix of
// committed and quarantined filenames is authoritative because many
// filesystems do not preserve creation time; .tmp names carry no prefix so
// they fall back to mtime.
func fileAge(fi FileInfo, now time.Time) time.Duration {
	base := strings.TrimSuffix(fi.Name, filepath.Ext(fi.Name))
	if i := strings.IndexByte(base, '_'); i == len(tsLayout) {
		if ts, err := time.ParseInLocation(tsLayout, base[:i], time.UTC); err == nil {
			return now.Sub(ts)
		}
	}
	mt := fi.ModTime.UTC()
	if mt.IsZero() || mt.After(now.Add(time.Minute)) {
		return 0
	}
	return now.Sub(mt)
}

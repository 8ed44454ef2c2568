package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "curses/pkg/logx"
)

const compactEvery = 1000

var errClosed = errors.New("file store closed")

// fileStore keeps everything next to cfg.Path:
//   - <prefix>.deliveries.jsonl     append-only audit
//   - <prefix>.dedup.snapshot.json  compacted dedup map
//   - <prefix>.dedup.journal.jsonl  dedup writes since the last compaction
type fileStore struct {
	log logx.Logger

	mu             sync.Mutex
	deliveries     *os.File
	deliveriesPath string
	journal        *os.File
	snapPath       string
	dedup          map[string]int64 // unix milli
	writes         int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	s := &fileStore{
		log:            log,
		deliveriesPath: prefix + ".deliveries.jsonl",
		snapPath:       prefix + ".dedup.snapshot.json",
		dedup:          map[string]int64{},
	}
	if err := s.loadDedup(prefix + ".dedup.journal.jsonl"); err != nil {
		log.Warn("dedup state not restored", logx.Err(err))
	}

	var err error
	if s.deliveries, err = openAppend(s.deliveriesPath); err != nil {
		return nil, err
	}
	if s.journal, err = openAppend(prefix + ".dedup.journal.jsonl"); err != nil {
		_ = s.deliveries.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
}

func (s *fileStore) loadDedup(journalPath string) error {
	if b, err := os.ReadFile(s.snapPath); err == nil {
		if err := json.Unmarshal(b, &s.dedup); err != nil {
			return err
		}
		if s.dedup == nil {
			s.dedup = map[string]int64{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	f, err := os.Open(journalPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil || r.Key == "" {
			continue
		}
		s.dedup[r.Key] = r.Until
	}
	pruneExpired(s.dedup, time.Now())
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.deliveries != nil {
		errs = append(errs, s.deliveries.Close())
		s.deliveries = nil
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return errClosed
	}
	return json.NewEncoder(s.deliveries).Encode(r)
}

func (s *fileStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return nil, errClosed
	}
	if _, err := s.deliveries.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	// ring of the last limit records
	ring := make([]DeliveryRecord, 0, min(limit, 1024))
	next := 0
	sc := bufio.NewScanner(s.deliveries)
	for sc.Scan() {
		var r DeliveryRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, r)
		} else {
			ring[next] = r
		}
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]DeliveryRecord, 0, len(ring))
	for i := 1; i <= len(ring); i++ {
		out = append(out, ring[(next-i+len(ring))%len(ring)])
	}
	return out, nil
}

// PruneDeliveries rewrites the audit file with the surviving records and
// swaps it in. Malformed lines are dropped too.
func (s *fileStore) PruneDeliveries(ctx context.Context, before time.Time, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return 0, errClosed
	}
	if _, err := s.deliveries.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var (
		kept  [][]byte
		total int
	)
	sc := bufio.NewScanner(s.deliveries)
	for sc.Scan() {
		total++
		var r struct {
			At time.Time `json:"at"`
		}
		if json.Unmarshal(sc.Bytes(), &r) != nil {
			continue
		}
		if !before.IsZero() && r.At.Before(before) {
			continue
		}
		kept = append(kept, append([]byte(nil), sc.Bytes()...))
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if keep > 0 && len(kept) > keep {
		kept = kept[len(kept)-keep:]
	}
	removed := total - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tmp := s.deliveriesPath + ".tmp"
	if err := writeLines(tmp, kept); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, s.deliveriesPath); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	f, err := openAppend(s.deliveriesPath)
	if err != nil {
		return removed, err
	}
	_ = s.deliveries.Close()
	s.deliveries = f
	return removed, nil
}

func writeLines(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		_, _ = w.Write(l)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errClosed
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.journal).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// compactLocked writes the live map to the snapshot and empties the journal.
func (s *fileStore) compactLocked() error {
	pruneExpired(s.dedup, time.Now())
	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	tmp := s.snapPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func pruneExpired(m map[string]int64, now time.Time) {
	cutoff := now.UnixMilli()
	for k, v := range m {
		if v < cutoff {
			delete(m, k)
		}
	}
}

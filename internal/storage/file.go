package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"sorabot/internal/job"
	logx "sorabot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.jobs.snapshot.json (periodic snapshot, JSON array)
//   - <prefix>.jobs.journal.jsonl (append-only journal, one full record per line)
//
// Every write appends the full record to the journal before it becomes
// visible. The journal is compacted into the snapshot every compactEvery
// writes and on Close.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	mem := newMemStore()
	if err := loadSnapshot(snapPath, mem.jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayJournal(journalPath, mem.jobs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped corrupt journal lines", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	fs := &fileStore{memStore: mem, log: log, snapshotPath: snapPath, journal: jf}
	mem.persist = fs.append
	log.Info("file store loaded", logx.Int("jobs", len(mem.jobs)), logx.String("prefix", prefix))
	return fs, nil
}

// append runs with memStore.mu held.
func (s *fileStore) append(rec *job.Job) error {
	if s.journal == nil {
		return errors.New("job journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// The record being written is not in the map yet; compact after it lands.
		defer func() {
			if err := s.compactLocked(); err != nil {
				s.log.Debug("journal compact failed", logx.Err(err))
			}
		}()
		s.jobs[rec.ID] = rec
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	all := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j)
	}
	sortByCreated(all)
	if err := json.NewEncoder(f).Encode(all); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]*job.Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var all []*job.Job
	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return err
	}
	for _, j := range all {
		if j != nil && j.ID != "" {
			out[j.ID] = j
		}
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot. A record only
// wins if its revision is newer. Returns the number of unreadable lines.
func replayJournal(path string, out map[string]*job.Job) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	skipped := 0
	for sc.Scan() {
		var rec job.Job
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.ID == "" {
			skipped++
			continue
		}
		if cur, ok := out[rec.ID]; ok && cur.Revision >= rec.Revision {
			continue
		}
		r := rec
		out[rec.ID] = &r
	}
	return skipped, sc.Err()
}

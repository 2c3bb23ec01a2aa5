package ledger

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

	"herald/pkg/logx"
)

// File is a dependency-free backend for single-host deployments.
//
// Files, for path "data/herald.ledger":
//   - data/herald.snapshot.json (periodic compacted map)
//   - data/herald.journal.jsonl (append-only records since the snapshot)
//
// Each MarkSent appends and fsyncs one journal line before returning.
type File struct {
	log logx.Logger
	ns  string
	now func() time.Time

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	entries      map[string]fileRecord
	writes       int
	compactEvery int
}

type fileRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Until int64  `json:"until,omitempty"`
}

func OpenFile(path, namespace string, log logx.Logger) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("ledger: file path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	f := &File{
		log:          log,
		ns:           namespace,
		now:          time.Now,
		snapshotPath: prefix + ".snapshot.json",
		entries:      map[string]fileRecord{},
		compactEvery: 1000,
	}
	if err := f.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger snapshot unreadable; starting from journal", logx.Err(err))
	}
	journalPath := prefix + ".journal.jsonl"
	if err := f.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f.pruneLocked()

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	f.journal = jf
	return f, nil
}

func (f *File) HasSent(ctx context.Context, k Key) (bool, error) {
	_, ok, err := f.Lookup(ctx, k)
	return ok, err
}

func (f *File) MarkSent(_ context.Context, k Key, value string, ttl time.Duration) error {
	if err := k.validate(); err != nil {
		return err
	}
	rec := fileRecord{Key: namespaced(f.ns, k), Value: value, Until: expiry(f.now(), ttl)}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return unavailable("mark_sent", ErrClosed)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := f.journal.Write(append(b, '\n')); err != nil {
		return unavailable("mark_sent", err)
	}
	if err := f.journal.Sync(); err != nil {
		return unavailable("mark_sent", err)
	}
	f.entries[rec.Key] = rec

	f.writes++
	if f.writes%f.compactEvery == 0 {
		if err := f.compactLocked(); err != nil {
			f.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (f *File) Lookup(_ context.Context, k Key) (string, bool, error) {
	if err := k.validate(); err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return "", false, unavailable("lookup", ErrClosed)
	}
	rec, ok := f.entries[namespaced(f.ns, k)]
	if !ok || !live(rec.Until, f.now()) {
		return "", false, nil
	}
	return rec.Value, true, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return nil
	}
	err := f.compactLocked()
	if cerr := f.journal.Close(); err == nil {
		err = cerr
	}
	f.journal = nil
	return err
}

// compactLocked writes the live entries to the snapshot and truncates the
// journal.
func (f *File) compactLocked() error {
	f.pruneLocked()

	tmp := f.snapshotPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	recs := make([]fileRecord, 0, len(f.entries))
	for _, r := range f.entries {
		recs = append(recs, r)
	}
	if err := json.NewEncoder(out).Encode(recs); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.snapshotPath); err != nil {
		return err
	}
	if err := f.journal.Truncate(0); err != nil {
		return err
	}
	_, err = f.journal.Seek(0, io.SeekEnd)
	return err
}

func (f *File) loadSnapshot() error {
	b, err := os.ReadFile(f.snapshotPath)
	if err != nil {
		return err
	}
	var recs []fileRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		f.entries[r.Key] = r
	}
	return nil
}

func (f *File) replay(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r fileRecord
		// A torn final line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		f.entries[r.Key] = r
	}
	return sc.Err()
}

func (f *File) pruneLocked() {
	now := f.now()
	for k, r := range f.entries {
		if !live(r.Until, now) {
			delete(f.entries, k)
		}
	}
}

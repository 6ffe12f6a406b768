package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/treasury"
)

// pathLocks serializes all file-store operations against the same backing
// file, process-wide, keyed by resource path.
var pathLocks = struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}{m: make(map[string]*sync.Mutex)}

func lockPath(path string) func() {
	pathLocks.mu.Lock()
	l := pathLocks.m[path]
	if l == nil {
		l = &sync.Mutex{}
		pathLocks.m[path] = l
	}
	pathLocks.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// FileStore is a Repository that persists a JSON snapshot of every mutation
// to a backing file.
type FileStore struct {
	*Repository
	path string
}

type snapshot struct {
	Deals      []deal.Deal            `json:"deals"`
	Milestones []deal.Milestone       `json:"milestones"`
	Disputes   []dispute.Dispute      `json:"disputes"`
	Blocklist  []BlocklistEntry       `json:"blocklist"`
	Sweeps     []treasury.SweepRecord `json:"sweeps"`
}

// OpenFileStore loads the snapshot at path, creating the file when absent.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{Repository: NewRepository(), path: path}

	unlock := lockPath(path)
	defer unlock()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("state: create data dir: %w", err)
		}
		return fs, fs.persistLocked()
	}
	if err != nil {
		return nil, fmt.Errorf("state: read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("state: decode snapshot %s: %w", path, err)
	}
	fs.restore(snap)
	return fs, nil
}

func (f *FileStore) restore(snap snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range snap.Deals {
		f.deals[d.ID] = d
	}
	for _, m := range snap.Milestones {
		f.milestones[m.ID] = m
	}
	for _, d := range snap.Disputes {
		f.disputes[d.ID] = d
	}
	for _, e := range snap.Blocklist {
		f.blocklist[e.ID] = e
	}
	for _, rec := range snap.Sweeps {
		f.sweeps[rec.ID] = rec
		f.sweepOrder = append(f.sweepOrder, rec.ID)
	}
}

func (f *FileStore) persistLocked() error {
	f.mu.RLock()
	snap := snapshot{}
	for _, d := range f.deals {
		snap.Deals = append(snap.Deals, d)
	}
	for _, m := range f.milestones {
		snap.Milestones = append(snap.Milestones, m)
	}
	for _, d := range f.disputes {
		snap.Disputes = append(snap.Disputes, d)
	}
	for _, e := range f.blocklist {
		snap.Blocklist = append(snap.Blocklist, e)
	}
	for _, id := range f.sweepOrder {
		snap.Sweeps = append(snap.Sweeps, f.sweeps[id])
	}
	f.mu.RUnlock()

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode snapshot: %w", err)
	}
	if err := os.WriteFile(f.path, raw, 0o644); err != nil {
		return fmt.Errorf("state: write snapshot: %w", err)
	}
	return nil
}

func (f *FileStore) persist() error {
	unlock := lockPath(f.path)
	defer unlock()
	return f.persistLocked()
}

func (f *FileStore) PutDeal(ctx context.Context, d deal.Deal) (deal.Deal, error) {
	stored, err := f.Repository.PutDeal(ctx, d)
	if err != nil {
		return deal.Deal{}, err
	}
	return stored, f.persist()
}

func (f *FileStore) PutMilestone(ctx context.Context, m deal.Milestone) (deal.Milestone, error) {
	stored, err := f.Repository.PutMilestone(ctx, m)
	if err != nil {
		return deal.Milestone{}, err
	}
	return stored, f.persist()
}

func (f *FileStore) PutDispute(ctx context.Context, d dispute.Dispute) (dispute.Dispute, error) {
	stored, err := f.Repository.PutDispute(ctx, d)
	if err != nil {
		return dispute.Dispute{}, err
	}
	return stored, f.persist()
}

func (f *FileStore) AddBlocklistEntry(ctx context.Context, e BlocklistEntry) (BlocklistEntry, error) {
	stored, err := f.Repository.AddBlocklistEntry(ctx, e)
	if err != nil {
		return BlocklistEntry{}, err
	}
	return stored, f.persist()
}

func (f *FileStore) PutSweep(ctx context.Context, rec treasury.SweepRecord) (treasury.SweepRecord, error) {
	stored, err := f.Repository.PutSweep(ctx, rec)
	if err != nil {
		return treasury.SweepRecord{}, err
	}
	return stored, f.persist()
}

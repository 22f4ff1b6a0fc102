package persist

import (
	"context"
	"sort"
	"sync"
	"time"
)

// CheckpointRef identifies one stored checkpoint.
type CheckpointRef struct {
	PID     string    `json:"pid"`
	Tag     string    `json:"tag"`
	SavedAt time.Time `json:"saved_at"`
}

// Persister stores and retrieves process checkpoints. The empty tag names
// the default slot, overwritten on every transition; named tags are kept
// until deleted. Implementations must be safe for concurrent use.
type Persister interface {
	// SaveCheckpoint stores the bundle under (bundle.PID, tag), replacing
	// any previous checkpoint with the same key.
	SaveCheckpoint(ctx context.Context, b *Bundle, tag string) error
	// LoadCheckpoint returns the bundle stored under (pid, tag), or
	// ErrNotFound.
	LoadCheckpoint(ctx context.Context, pid, tag string) (*Bundle, error)
	// ListCheckpoints enumerates every stored checkpoint, oldest first.
	ListCheckpoints(ctx context.Context) ([]CheckpointRef, error)
	// ListProcessCheckpoints enumerates the checkpoints of one process,
	// oldest first.
	ListProcessCheckpoints(ctx context.Context, pid string) ([]CheckpointRef, error)
	// DeleteCheckpoint removes one checkpoint; deleting a missing
	// checkpoint is a no-op.
	DeleteCheckpoint(ctx context.Context, pid, tag string) error
	// DeleteProcessCheckpoints removes every checkpoint of one process.
	DeleteProcessCheckpoints(ctx context.Context, pid string) error
}

type memCheckpoint struct {
	data    []byte
	savedAt time.Time
}

// InMemoryPersister keeps checkpoints in process memory. Bundles are stored
// in their encoded form, so stored snapshots share no state with live
// processes and save-time representability is enforced exactly as for
// durable backends.
type InMemoryPersister struct {
	mu          sync.RWMutex
	checkpoints map[string]map[string]memCheckpoint
	now         func() time.Time
}

// NewInMemoryPersister creates an empty in-memory persister.
func NewInMemoryPersister() *InMemoryPersister {
	return &InMemoryPersister{
		checkpoints: make(map[string]map[string]memCheckpoint),
		now:         time.Now,
	}
}

// SaveCheckpoint implements Persister.
func (p *InMemoryPersister) SaveCheckpoint(ctx context.Context, b *Bundle, tag string) error {
	if err := b.Validate(); err != nil {
		return err
	}
	data, err := b.Encode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	byTag, ok := p.checkpoints[b.PID]
	if !ok {
		byTag = make(map[string]memCheckpoint)
		p.checkpoints[b.PID] = byTag
	}
	byTag[tag] = memCheckpoint{data: data, savedAt: p.now()}
	return nil
}

// LoadCheckpoint implements Persister.
func (p *InMemoryPersister) LoadCheckpoint(ctx context.Context, pid, tag string) (*Bundle, error) {
	p.mu.RLock()
	cp, ok := p.checkpoints[pid][tag]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return DecodeBundle(cp.data)
}

// ListCheckpoints implements Persister.
func (p *InMemoryPersister) ListCheckpoints(ctx context.Context) ([]CheckpointRef, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var refs []CheckpointRef
	for pid, byTag := range p.checkpoints {
		for tag, cp := range byTag {
			refs = append(refs, CheckpointRef{PID: pid, Tag: tag, SavedAt: cp.savedAt})
		}
	}
	sortRefs(refs)
	return refs, nil
}

// ListProcessCheckpoints implements Persister.
func (p *InMemoryPersister) ListProcessCheckpoints(ctx context.Context, pid string) ([]CheckpointRef, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var refs []CheckpointRef
	for tag, cp := range p.checkpoints[pid] {
		refs = append(refs, CheckpointRef{PID: pid, Tag: tag, SavedAt: cp.savedAt})
	}
	sortRefs(refs)
	return refs, nil
}

// DeleteCheckpoint implements Persister.
func (p *InMemoryPersister) DeleteCheckpoint(ctx context.Context, pid, tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if byTag, ok := p.checkpoints[pid]; ok {
		delete(byTag, tag)
		if len(byTag) == 0 {
			delete(p.checkpoints, pid)
		}
	}
	return nil
}

// DeleteProcessCheckpoints implements Persister.
func (p *InMemoryPersister) DeleteProcessCheckpoints(ctx context.Context, pid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.checkpoints, pid)
	return nil
}

// sortRefs orders checkpoints oldest first, breaking ties by pid then tag so
// listings are deterministic.
func sortRefs(refs []CheckpointRef) {
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].SavedAt.Equal(refs[j].SavedAt) {
			return refs[i].SavedAt.Before(refs[j].SavedAt)
		}
		if refs[i].PID != refs[j].PID {
			return refs[i].PID < refs[j].PID
		}
		return refs[i].Tag < refs[j].Tag
	})
}

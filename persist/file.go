package persist

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const checkpointExt = ".yaml"

// FilePersister stores one YAML document per checkpoint under a root
// directory: "<pid>.yaml" for the default slot, "<pid>.<tag>.yaml" for
// tagged checkpoints. Writes go through a temp file and rename, so a crash
// mid-save never leaves a truncated checkpoint behind.
type FilePersister struct {
	root   string
	logger *slog.Logger
}

// FileOption configures a FilePersister.
type FileOption func(*FilePersister)

// WithFileLogger sets the persister logger.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(p *FilePersister) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewFilePersister creates a persister rooted at dir, creating it if needed.
func NewFilePersister(dir string, opts ...FileOption) (*FilePersister, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	p := &FilePersister{
		root:   dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SaveCheckpoint implements Persister.
func (p *FilePersister) SaveCheckpoint(ctx context.Context, b *Bundle, tag string) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := validateTag(tag); err != nil {
		return err
	}
	// Representability is enforced at save time regardless of backend.
	if _, err := b.Encode(); err != nil {
		return err
	}
	data, err := yaml.Marshal(b)
	if err != nil {
		return &SerializationError{Err: err}
	}

	path := p.path(b.PID, tag)
	tmp, err := os.CreateTemp(p.root, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	p.logger.Debug("checkpoint written", "pid", b.PID, "tag", tag, "path", path)
	return nil
}

// LoadCheckpoint implements Persister.
func (p *FilePersister) LoadCheckpoint(ctx context.Context, pid, tag string) (*Bundle, error) {
	if err := validateTag(tag); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.path(pid, tag))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, &ReconstructionError{Reason: "malformed checkpoint file", Err: err}
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListCheckpoints implements Persister.
func (p *FilePersister) ListCheckpoints(ctx context.Context) ([]CheckpointRef, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var refs []CheckpointRef
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		pid, tag, ok := parseCheckpointName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		refs = append(refs, CheckpointRef{PID: pid, Tag: tag, SavedAt: info.ModTime()})
	}
	sortRefs(refs)
	return refs, nil
}

// ListProcessCheckpoints implements Persister.
func (p *FilePersister) ListProcessCheckpoints(ctx context.Context, pid string) ([]CheckpointRef, error) {
	all, err := p.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	var refs []CheckpointRef
	for _, ref := range all {
		if ref.PID == pid {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// DeleteCheckpoint implements Persister.
func (p *FilePersister) DeleteCheckpoint(ctx context.Context, pid, tag string) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	if err := os.Remove(p.path(pid, tag)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// DeleteProcessCheckpoints implements Persister.
func (p *FilePersister) DeleteProcessCheckpoints(ctx context.Context, pid string) error {
	refs, err := p.ListProcessCheckpoints(ctx, pid)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := p.DeleteCheckpoint(ctx, ref.PID, ref.Tag); err != nil {
			return err
		}
	}
	return nil
}

func (p *FilePersister) path(pid, tag string) string {
	name := pid + checkpointExt
	if tag != "" {
		name = pid + "." + tag + checkpointExt
	}
	return filepath.Join(p.root, name)
}

// parseCheckpointName splits "<pid>[.<tag>].yaml" back into its parts.
func parseCheckpointName(name string) (pid, tag string, ok bool) {
	if !strings.HasSuffix(name, checkpointExt) || strings.HasPrefix(name, ".") {
		return "", "", false
	}
	stem := strings.TrimSuffix(name, checkpointExt)
	if i := strings.Index(stem, "."); i >= 0 {
		return stem[:i], stem[i+1:], true
	}
	return stem, "", true
}

// validateTag rejects tags that would not survive the storage key scheme.
func validateTag(tag string) error {
	if strings.ContainsAny(tag, "/\\") {
		return fmt.Errorf("invalid checkpoint tag %q", tag)
	}
	return nil
}

// Package persist converts processes to and from portable snapshots
// ("bundles") and stores them as checkpoints.
//
// Key features:
//   - Bundle: the schemaless snapshot shape {type_id, pid, label, inputs,
//     outputs, continuation}
//   - Persister: save, load, enumerate and delete checkpoints keyed by
//     process id and an optional tag
//   - In-memory, file (YAML) and Redis backends
//
// Save-time strictness: a bundle holding a value that cannot be represented
// in the checkpoint encoding fails with a SerializationError when saved,
// never later at load time. Loading a malformed or unresolvable bundle fails
// with a ReconstructionError instead of silently producing a partial
// process.
//
// Basic usage:
//
//	persister := persist.NewInMemoryPersister()
//	err := persister.SaveCheckpoint(ctx, bundle, "")
//	bundle, err = persister.LoadCheckpoint(ctx, pid, "")
package persist

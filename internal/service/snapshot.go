package service

import "github.com/matt-riley/rollout/internal/core"

// snapshot is an immutable view of every valid flag. It is never mutated after
// publication; writers build a replacement and swap the pointer.
type snapshot struct {
	version uint64
	flags   map[string]Flag
}

// SnapshotInfo describes the snapshot currently used for evaluation.
type SnapshotInfo struct {
	Version uint64 `json:"version"`
	Flags   int    `json:"flags"`
}

func newSnapshot(version uint64, flags map[string]Flag) *snapshot {
	return &snapshot{version: version, flags: flags}
}

func (s *snapshot) lookup(name string) (core.FlagDefinition, bool) {
	flag, ok := s.flags[name]
	if !ok {
		return core.FlagDefinition{}, false
	}
	return flag.FlagDefinition, true
}

// with returns a copy of s containing flag, at the next version.
func (s *snapshot) with(flag Flag) *snapshot {
	next := make(map[string]Flag, len(s.flags)+1)
	for name, existing := range s.flags {
		next[name] = existing
	}
	next[flag.Name] = flag
	return newSnapshot(s.version+1, next)
}

// without returns a copy of s lacking name, at the next version.
func (s *snapshot) without(name string) *snapshot {
	next := make(map[string]Flag, len(s.flags))
	for existing, flag := range s.flags {
		if existing != name {
			next[existing] = flag
		}
	}
	return newSnapshot(s.version+1, next)
}

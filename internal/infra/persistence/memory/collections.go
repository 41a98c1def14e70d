package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeCollections returns the JSON encoding of every collection in
// snapshot, keyed by collection name.
func EncodeCollections(snapshot Snapshot) (map[string][]byte, error) {
	targets := snapshot.Buckets()
	out := make(map[string][]byte, len(BucketNames))
	for _, name := range BucketNames {
		data, err := json.Marshal(targets[name])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

// DecodeCollection fills the named collection of snapshot from payload.
// Unknown names are ignored and reported as false.
func DecodeCollection(snapshot *Snapshot, name string, payload []byte) (bool, error) {
	target, ok := snapshot.Buckets()[name]
	if !ok || len(payload) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// ChangedCollections lists, in BucketNames order, the collections of next
// whose encoding differs from prev.
func ChangedCollections(prev, next map[string][]byte) []string {
	var changed []string
	for _, name := range BucketNames {
		data, ok := next[name]
		if !ok {
			continue
		}
		if old, seen := prev[name]; seen && bytes.Equal(old, data) {
			continue
		}
		changed = append(changed, name)
	}
	return changed
}

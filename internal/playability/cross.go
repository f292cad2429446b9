package playability

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// canonical round-trips a snapshot through JSON so in-process and browser
// snapshots compare on equal terms.
func canonical(snap map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}

// Diff returns the sorted keys whose values differ between two canonical
// snapshots, including keys present in only one.
func Diff(a, b map[string]any) []string {
	var keys []string
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

package app

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseNominations converts "archiveStorageID=destinationStorageID" pairs to a map.
func ParseNominations(pairs []string) (map[int64]int64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[int64]int64, len(pairs))
	for _, p := range pairs {
		src, dst, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid nomination %q: want SOURCE=DEST", p)
		}
		from, err := strconv.ParseInt(strings.TrimSpace(src), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid nomination %q: %w", p, err)
		}
		to, err := strconv.ParseInt(strings.TrimSpace(dst), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid nomination %q: %w", p, err)
		}
		if _, dup := out[from]; dup {
			return nil, fmt.Errorf("storage %d nominated twice", from)
		}
		out[from] = to
	}
	return out, nil
}

// ExcludeOptions turns a list of excluded kind names into engine inclusion flags. Kind
// names are validated by the engine.
func ExcludeOptions(kinds []string) map[string]bool {
	if len(kinds) == 0 {
		return nil
	}
	out := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		out[strings.TrimSpace(k)] = false
	}
	return out
}

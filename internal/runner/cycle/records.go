package cycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cryptonhq/crypton/internal/platform/atomicio"
)

// ListRecords loads every persisted cycle record under dir, newest
// first. Files that are not parseable cycle records are skipped rather
// than failing the listing — a corrupt record is treated as missing,
// the same as any other persisted state.
func ListRecords(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cycle: list records: %w", err)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := atomicio.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if json.Unmarshal(raw, &rec) != nil || rec.CycleID == "" {
			continue
		}
		out = append(out, rec)
	}
	// Cycle ids are UTC timestamps, so lexicographic order is
	// chronological; newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].CycleID > out[j].CycleID })
	return out, nil
}

// LoadRecord loads one persisted cycle record by id.
func LoadRecord(dir, cycleID string) (Record, error) {
	raw, err := atomicio.ReadFile(filepath.Join(dir, cycleID+".json"))
	if err != nil {
		return Record{}, fmt.Errorf("cycle: load record %s: %w", cycleID, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("cycle: parse record %s: %w", cycleID, err)
	}
	return rec, nil
}

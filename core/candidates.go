package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/web3guy0/polymaker/internal/fsutil"
	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// UPSTREAM FEEDS - candidate and sell-signal files from the signal collector
// ═══════════════════════════════════════════════════════════════════════════════
//
// Both files hold a JSON array of records keyed by instrument_id. A missing
// file means "nothing new". Purging rewrites the file atomically and keeps
// any fields the collector added that this package does not know about.
//
// ═══════════════════════════════════════════════════════════════════════════════

// LoadCandidates reads the candidate feed.
func LoadCandidates(path string) ([]types.Candidate, error) {
	var out []types.Candidate
	if err := loadFeed(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadSellSignals reads the sell-signal feed.
func LoadSellSignals(path string) ([]types.SellSignal, error) {
	var out []types.SellSignal
	if err := loadFeed(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func loadFeed(path string, v interface{}) error {
	if path == "" {
		return nil
	}
	err := fsutil.ReadJSON(path, v)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// PurgeFeed removes every record for ids from the feed at path and reports
// how many were dropped.
func PurgeFeed(path string, ids ...string) (int, error) {
	if path == "" || len(ids) == 0 {
		return 0, nil
	}
	var raw []map[string]json.RawMessage
	err := fsutil.ReadJSON(path, &raw)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := raw[:0]
	for _, rec := range raw {
		var id string
		if v, ok := rec["instrument_id"]; ok {
			_ = json.Unmarshal(v, &id)
		}
		if drop[id] {
			continue
		}
		kept = append(kept, rec)
	}
	removed := len(raw) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := fsutil.WriteJSON(path, kept); err != nil {
		return 0, fmt.Errorf("purge %s: %w", path, err)
	}
	return removed, nil
}

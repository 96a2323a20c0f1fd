package vbranch

import (
	"encoding/json"
	"fmt"
)

// RecordVersion is the current persisted state format.
const RecordVersion = 1

type record struct {
	Version int    `json:"version"`
	State   *State `json:"state"`
}

// EncodeRecord serializes s as a versioned record.
func EncodeRecord(s *State) ([]byte, error) {
	return json.Marshal(record{Version: RecordVersion, State: s})
}

// DecodeRecord parses a record written by EncodeRecord.
func DecodeRecord(data []byte) (*State, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode state record: %w", err)
	}
	if rec.Version != RecordVersion {
		return nil, fmt.Errorf("unsupported state record version %d (expected %d)", rec.Version, RecordVersion)
	}
	if rec.State == nil {
		return nil, fmt.Errorf("state record has no state")
	}
	if rec.State.Branches == nil {
		rec.State.Branches = map[BranchID]*Branch{}
	}
	return rec.State, nil
}

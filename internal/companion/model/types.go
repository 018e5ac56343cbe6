package model

import (
	"database/sql/driver"
	"errors"

	"github.com/rhao5556-beep/peiban-sub000/pkg/utils/json"
)

// JSONMap is a freeform jsonb column (Memory.metadata, OutboxEvent.payload,
// AffinityHistory.signals, MemoryConflict.metadata, DeletionAudit.affected_records).
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	bytes, ok := src.([]byte)
	if !ok {
		if s, ok := src.(string); ok {
			bytes = []byte(s)
		} else {
			return errors.New("model: JSONMap.Scan: unsupported source type")
		}
	}
	if len(bytes) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(bytes, m)
}

// StringSlice is a jsonb column for a string array (MemoryConflict.common_topic).
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	bytes, ok := src.([]byte)
	if !ok {
		if str, ok := src.(string); ok {
			bytes = []byte(str)
		} else {
			return errors.New("model: StringSlice.Scan: unsupported source type")
		}
	}
	if len(bytes) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(bytes, s)
}

package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSONBMap maps a PostgreSQL JSONB object column.
type JSONBMap map[string]any

// Scan implements sql.Scanner.
func (j *JSONBMap) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil {
		return err
	}
	if data == nil {
		*j = nil
		return nil
	}
	if len(data) == 0 {
		*j = JSONBMap{}
		return nil
	}
	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer.
func (j JSONBMap) Value() (driver.Value, error) {
	if len(j) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Clone returns a shallow copy.
func (j JSONBMap) Clone() JSONBMap {
	if j == nil {
		return nil
	}
	out := make(JSONBMap, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}

// StringList maps a PostgreSQL JSONB array of strings.
type StringList []string

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func jsonBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, errors.New("unsupported type for JSONB column")
	}
}

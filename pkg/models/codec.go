package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/goccy/go-json"
)

// EncodeStringList serializes a list column. A nil list encodes as "[]".
func EncodeStringList(list []string) (string, error) {
	if list == nil {
		return "[]", nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode string list: %w", err)
	}
	return string(data), nil
}

// DecodeStringList parses a list column. Empty input decodes to an empty, non-nil list.
func DecodeStringList(text string) ([]string, error) {
	if text == "" || text == "null" {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(text), &list); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

// JSONStringArray is a list column stored as JSON array text.
type JSONStringArray []string

// Scan implements sql.Scanner for JSONStringArray.
func (j *JSONStringArray) Scan(src interface{}) error {
	var text string
	switch v := src.(type) {
	case nil:
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return fmt.Errorf("JSONStringArray: unsupported type %T", src)
	}

	list, err := DecodeStringList(text)
	if err != nil {
		return err
	}
	*j = list
	return nil
}

// Value implements driver.Valuer for JSONStringArray.
// The value is a string so SQLite stores TEXT that FTS and LIKE can read.
func (j JSONStringArray) Value() (driver.Value, error) {
	return EncodeStringList(j)
}

// Contains reports whether s is an element of the list.
func (j JSONStringArray) Contains(s string) bool {
	for _, v := range j {
		if v == s {
			return true
		}
	}
	return false
}

package pool

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// IDSet is a de-duplicated set of user IDs stored as a JSON array column.
type IDSet []int64

// Value encodes the set for storage. An empty set encodes as [].
func (s IDSet) Value() (driver.Value, error) {
	if s == nil {
		s = IDSet{}
	}
	return json.Marshal(s)
}

// Scan decodes the set from storage. NULL decodes as the empty set.
func (s *IDSet) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	var buf []byte
	switch v := src.(type) {
	case []byte:
		buf = v
	case string:
		buf = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into IDSet", src)
	}
	return json.Unmarshal(buf, s)
}

// Contains reports set membership.
func (s IDSet) Contains(id int64) bool {
	for _, member := range s {
		if member == id {
			return true
		}
	}
	return false
}

package display

import (
	"encoding/json"
)

// MarshalJSON pretty-prints v for terminals and pipes alike.
func MarshalJSON(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// Package progress persists the engine's local working copy of per-contact
// progress, either as a JSON file or as an S3 object.
package progress

import (
	"encoding/json"
	"fmt"

	"github.com/ignite/lead-drip/internal/drip"
)

func decode(data []byte) (*drip.State, error) {
	if len(data) == 0 {
		return drip.NewState(), nil
	}
	var st drip.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding progress: %w", err)
	}
	if st.Contacts == nil {
		st.Contacts = make(map[string]*drip.ProgressRecord)
	}
	return &st, nil
}

func encode(st *drip.State) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding progress: %w", err)
	}
	return data, nil
}

package domain

import (
	"encoding/json"
	"fmt"
)

// Progress is a tri-state flag that serialises as false, "ip", or true.
type Progress int

const (
	NotStarted Progress = iota
	InProgress
	Complete
)

const inProgressToken = "ip"

// Done reports whether the tracked work finished.
func (p Progress) Done() bool { return p == Complete }

func (p Progress) String() string {
	switch p {
	case InProgress:
		return inProgressToken
	case Complete:
		return "true"
	default:
		return "false"
	}
}

// MarshalJSON encodes the progress the way clients expect it.
func (p Progress) MarshalJSON() ([]byte, error) {
	switch p {
	case InProgress:
		return json.Marshal(inProgressToken)
	case Complete:
		return []byte("true"), nil
	default:
		return []byte("false"), nil
	}
}

// UnmarshalJSON accepts booleans and the "ip" token.
func (p *Progress) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*p = Complete
		return nil
	case "false", "null":
		*p = NotStarted
		return nil
	}
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("decode progress: %w", err)
	}
	if token != inProgressToken {
		return fmt.Errorf("decode progress: unexpected token %q", token)
	}
	*p = InProgress
	return nil
}

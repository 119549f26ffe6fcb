package session

import (
	"bytes"
	"encoding/json"
	"io"
)

// RawState is the simulator's flat numeric state for one tick.
type RawState []float64

// ServerMessage is any message from the simulator. Pointer fields
// distinguish "absent" from a zero value; the simulator signals by key
// presence.
type ServerMessage struct {
	State    RawState `json:"state,omitempty"`
	Done     *bool    `json:"done,omitempty"`
	Winner   *int     `json:"winner,omitempty"`
	Starting *bool    `json:"starting,omitempty"`
	Ending   *bool    `json:"ending,omitempty"`
}

// Client messages.
var (
	msgRestart = map[string]bool{"restart": true}
	msgStart   = map[string]bool{"start": true}
	msgEnd     = map[string]bool{"end": true}
)

// stepMessage carries both players' actions keyed by player index.
func stepMessage(p1, p2 []float64) map[string][]float64 {
	return map[string][]float64{"1": p1, "2": p2}
}

// Transition is the result of one Step.
type Transition struct {
	State RawState
	Done  bool
	// Winner is 0 or 1 for a player win and -1 for none. HasWinner reports
	// whether the simulator sent a winner field at all.
	Winner    int
	HasWinner bool
	// LostConnection marks a synthetic terminal transition produced after
	// an I/O failure. State is the last state received before the failure.
	LostConnection bool
	Steps          int
}

// decodeServerMessage accepts exactly one JSON object.
func decodeServerMessage(b []byte) (ServerMessage, error) {
	var msg ServerMessage
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&msg); err != nil {
		return ServerMessage{}, &TransientFrameError{Reason: "malformed message", Data: b, Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return ServerMessage{}, &TransientFrameError{Reason: "more than one message in frame", Data: b}
	}
	return msg, nil
}

// Package wire implements the Call/Return JSON wire formats from spec §6 and
// the round-trip serialization validator from spec §4.6 step 2 / §9.
package wire

import (
	"fmt"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

// Call is the wire shape of a logical invocation (spec §6).
type Call struct {
	CallID          string `json:"callId"`
	Name            string `json:"name"`
	Args            []any  `json:"args"`
	ResponseQueueID string `json:"responseQueueId,omitempty"`
	Start           int64  `json:"start"`
}

// ErrorPayload is the wire shape of a UserError (spec §6, §7 item 1).
type ErrorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Return is the wire shape of a terminal or informational response (spec §6).
type Return struct {
	Kind                 string        `json:"kind"`
	CallID               string        `json:"callId"`
	Value                any           `json:"value,omitempty"`
	Error                *ErrorPayload `json:"error,omitempty"`
	RemoteExecutionStart int64         `json:"remoteExecutionStart,omitempty"`
	RemoteExecutionEnd   int64         `json:"remoteExecutionEnd,omitempty"`
	LogURL               string        `json:"logUrl,omitempty"`
	InstanceID           string        `json:"instanceId,omitempty"`
	ExecutionID          string        `json:"executionId,omitempty"`
}

// Marshal serializes v using the engine's JSON codec (sonic, matching the
// teacher's jsoncodec package).
func Marshal(v any) ([]byte, error) { return codec.Marshal(v) }

// Unmarshal deserializes data into v using the engine's JSON codec.
func Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }

// RoundTrip serializes args and deserializes the result, reporting a
// human-readable diff if the structural shape changed (spec §4.6 step 2:
// "validate round-trip equality ... surface warnings when the round-trip
// differs structurally"). It never panics on cyclic input: cycles are
// detected up front via a parent-pointer stack (spec §9) and reported as a
// diff instead of being walked into infinite recursion.
func RoundTrip(args []any) (diff string, changed bool) {
	if cyclePath := detectCycle(args, nil); cyclePath != "" {
		return fmt.Sprintf("cyclic reference detected at %s", cyclePath), true
	}

	before, err := Marshal(args)
	if err != nil {
		return fmt.Sprintf("arguments are not serializable: %v", err), true
	}

	var roundTripped []any
	if err := Unmarshal(before, &roundTripped); err != nil {
		return fmt.Sprintf("round-tripped arguments failed to decode: %v", err), true
	}

	after, err := Marshal(roundTripped)
	if err != nil {
		return fmt.Sprintf("round-tripped arguments failed to re-encode: %v", err), true
	}

	if string(before) != string(after) {
		return "serialized arguments changed shape across the round trip", true
	}
	return "", false
}

// detectCycle walks v looking for a pointer/map/slice that appears in its
// own ancestor chain. seen holds the addresses currently on the path from
// the root to v (a "parent stack", per spec §9), not every node ever
// visited, so sibling subtrees sharing a value are not mistaken for cycles.
func detectCycle(v any, seen []uintptr) string {
	switch val := v.(type) {
	case []any:
		addr := sliceAddr(val)
		if addr != 0 {
			for _, s := range seen {
				if s == addr {
					return "[]"
				}
			}
			seen = append(seen, addr)
		}
		for i, item := range val {
			if path := detectCycle(item, seen); path != "" {
				return fmt.Sprintf("[%d]%s", i, path)
			}
		}
	case map[string]any:
		addr := mapAddr(val)
		if addr != 0 {
			for _, s := range seen {
				if s == addr {
					return "{}"
				}
			}
			seen = append(seen, addr)
		}
		for k, item := range val {
			if path := detectCycle(item, seen); path != "" {
				return fmt.Sprintf(".%s%s", k, path)
			}
		}
	}
	return ""
}

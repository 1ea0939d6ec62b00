// Package autopilot speaks the newline-delimited JSON frames exchanged with
// the autopilot bridge and runs the single loop that dispatches them.
package autopilot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Frame type tags carried in the "type" field.
const (
	FrameWaypointReached = "waypoint_reached"
	FrameSetMode         = "set_mode"
	FrameSetModeResponse = "set_mode_response"
	FrameServiceError    = "service_error"
)

// GuidedMode is the autopilot mode that accepts external control commands.
const GuidedMode = "GUIDED"

var (
	// ErrUnknownFrame is returned by Decode for lines that are not frames
	// this package understands.
	ErrUnknownFrame = errors.New("unknown frame type")
	// ErrMalformedFrame is returned by Decode for recognised frames with
	// missing fields.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is one decoded message from the link.
type Frame interface {
	FrameType() string
}

// WaypointReached is emitted by the autopilot when the vehicle arrives at a
// mission item.
type WaypointReached struct {
	Seq int
}

// SetModeRequest asks the autopilot to switch mode. BaseMode is carried for
// completeness and is always 0 here.
type SetModeRequest struct {
	ID         string
	BaseMode   uint8
	CustomMode string
}

// SetModeResponse acknowledges a SetModeRequest. ModeSent reports whether the
// autopilot applied the mode.
type SetModeResponse struct {
	ID       string
	ModeSent bool
}

// ServiceError is the bridge's report that a service call could not be
// executed at all.
type ServiceError struct {
	ID      string
	Message string
}

func (WaypointReached) FrameType() string { return FrameWaypointReached }
func (SetModeRequest) FrameType() string  { return FrameSetMode }
func (SetModeResponse) FrameType() string { return FrameSetModeResponse }
func (ServiceError) FrameType() string    { return FrameServiceError }

func (e ServiceError) Error() string {
	return fmt.Sprintf("service error: %s", e.Message)
}

type wireFrame struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Seq        *int   `json:"wp_seq,omitempty"`
	BaseMode   *uint8 `json:"base_mode,omitempty"`
	CustomMode string `json:"custom_mode,omitempty"`
	ModeSent   *bool  `json:"mode_sent,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Decode parses one line from the link.
func Decode(line string) (Frame, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, line)
	}

	var w wireFrame
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}

	switch w.Type {
	case FrameWaypointReached:
		if w.Seq == nil {
			return nil, fmt.Errorf("%w: %s without wp_seq", ErrMalformedFrame, w.Type)
		}
		return WaypointReached{Seq: *w.Seq}, nil
	case FrameSetMode:
		req := SetModeRequest{ID: w.ID, CustomMode: w.CustomMode}
		if w.BaseMode != nil {
			req.BaseMode = *w.BaseMode
		}
		return req, nil
	case FrameSetModeResponse:
		if w.ModeSent == nil {
			return nil, fmt.Errorf("%w: %s without mode_sent", ErrMalformedFrame, w.Type)
		}
		return SetModeResponse{ID: w.ID, ModeSent: *w.ModeSent}, nil
	case FrameServiceError:
		return ServiceError{ID: w.ID, Message: w.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, w.Type)
	}
}

// Encode renders a frame as a single line without the trailing newline.
func Encode(f Frame) (string, error) {
	w := wireFrame{Type: f.FrameType()}
	switch v := f.(type) {
	case WaypointReached:
		w.Seq = &v.Seq
	case SetModeRequest:
		w.ID = v.ID
		w.BaseMode = &v.BaseMode
		w.CustomMode = v.CustomMode
	case SetModeResponse:
		w.ID = v.ID
		w.ModeSent = &v.ModeSent
	case ServiceError:
		w.ID = v.ID
		w.Message = v.Message
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownFrame, f)
	}

	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s frame: %w", w.Type, err)
	}
	return string(b), nil
}

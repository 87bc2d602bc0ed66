package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if len(req.Structure.Symbols) != len(req.Structure.Positions) {
		return fmt.Errorf("structure has %d symbols and %d positions",
			len(req.Structure.Symbols), len(req.Structure.Positions))
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest reads a Request; calculator programs written in Go use it.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	return &req, nil
}

// DecodeResponse reads and validates a Response. It also returns the raw
// bytes so callers can log unparseable output.
func DecodeResponse(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("calculator produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("calculator output is not valid JSON: %w", err)
	}

	switch resp.Status {
	case "":
		return nil, data, fmt.Errorf("response missing required field: status")
	case "ok":
		if resp.Results == nil {
			return nil, data, fmt.Errorf("response has status=ok but no results")
		}
	case "error":
		if resp.Error == "" {
			return nil, data, fmt.Errorf("response has status=error but no error message")
		}
	default:
		return nil, data, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	return &resp, data, nil
}

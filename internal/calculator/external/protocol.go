package external

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/log"
	"github.com/mattjoyce/calcflow/internal/protocol"
)

// Protocol drives any program speaking calculator protocol v1: one JSON
// request on stdin, one JSON response on stdout.
type Protocol struct{}

const protocolResponse = "response.json"

func (Protocol) Kind() string { return "protocol" }

func (Protocol) Prepare(job Job) (Invocation, error) {
	props := make([]string, len(job.Properties))
	for i, p := range job.Properties {
		props[i] = string(p)
	}
	req := &protocol.Request{
		Protocol:   protocol.Version,
		RunID:      job.RunID,
		Properties: props,
		Structure:  protocol.FromStructure(job.Structure),
		Parameters: job.Params,
		Workdir:    job.Dir,
		DeadlineAt: job.Deadline.UTC(),
	}
	var buf bytes.Buffer
	if err := protocol.EncodeRequest(&buf, req); err != nil {
		return Invocation{}, err
	}
	return Invocation{Stdin: buf.Bytes()}, nil
}

func (Protocol) Collect(job Job, out RunOutput) (atoms.Results, error) {
	resp, raw, err := protocol.DecodeResponse(bytes.NewReader(out.Stdout))
	if len(raw) > 0 {
		if werr := os.WriteFile(filepath.Join(job.Dir, protocolResponse), raw, 0o644); werr != nil {
			log.WithRun(job.RunID).Warn("failed to keep protocol response", "error", werr)
		}
	}
	if err != nil {
		log.WithRun(job.RunID).Error("failed to decode calculator response", "error", err, "stdout", string(raw))
		return nil, fmt.Errorf("decode response: %w", err)
	}

	logger := log.WithRun(job.RunID)
	for _, entry := range resp.Logs {
		switch entry.Level {
		case "debug":
			logger.Debug(entry.Message, "source", "calculator")
		case "warn":
			logger.Warn(entry.Message, "source", "calculator")
		case "error":
			logger.Error(entry.Message, "source", "calculator")
		default:
			logger.Info(entry.Message, "source", "calculator")
		}
	}

	if resp.Status == "error" {
		return nil, fmt.Errorf("calculator reported: %s", resp.Error)
	}
	res, err := resp.Results.ToResults(job.Structure.Len())
	if err != nil {
		return nil, err
	}
	for _, p := range job.Properties {
		if _, ok := res[string(p)]; !ok {
			return nil, fmt.Errorf("response is missing requested property %q", p)
		}
	}
	return res, nil
}

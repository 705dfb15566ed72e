package zoneinit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/zonelabs/zoned/idm"
	"github.com/zonelabs/zoned/types"
)

// serve reads IDM packets off the channel until ctx is done or the channel
// closes, answering exec and metrics Request packets alongside the running
// command.
func (i *Init) serve(ctx context.Context) {
	logger := log.WithFunc("zoneinit.serve")
	for {
		pkt, err := idm.ReadFrame(i.channel)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.Warnf(ctx, "read idm frame: %v", err)
			}
			return
		}
		if pkt.Kind != types.PacketRequest {
			continue
		}

		resp := i.handleRequest(ctx, pkt.Request)
		out := &types.Packet{Kind: types.PacketResponse, ID: pkt.ID, Response: resp}
		frame, err := idm.EncodeFrame(out)
		if err != nil {
			logger.Warnf(ctx, "encode idm response: %v", err)
			continue
		}
		if _, err := i.channel.Write(frame); err != nil {
			logger.Warnf(ctx, "write idm response: %v", err)
			return
		}
	}
}

// handleRequest dispatches a decoded Request body to the exec or metrics
// handler based on which one unmarshals cleanly, mirroring control.go's
// JSON-over-IDM convention (see control.ExecInsideZone/ReadZoneMetrics).
func (i *Init) handleRequest(ctx context.Context, body []byte) []byte {
	var metricsReq types.MetricsRequest
	if json.Unmarshal(body, &metricsReq) == nil && looksLikeMetricsRequest(body) {
		return i.handleMetrics(ctx)
	}

	var execReq types.ExecRequest
	if err := json.Unmarshal(body, &execReq); err != nil {
		return nil
	}
	return handleExec(&execReq)
}

// looksLikeMetricsRequest distinguishes the empty MetricsRequest object
// from an ExecRequest; both decode as valid JSON objects, so the body's
// own shape ({} vs one with keys) is the only signal.
func looksLikeMetricsRequest(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return bytes.Equal(trimmed, []byte("{}")) || bytes.Equal(trimmed, []byte("null"))
}

func (i *Init) handleMetrics(ctx context.Context) []byte {
	tree, err := i.collector.Collect(ctx)
	if err != nil {
		return nil
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil
	}
	return out
}

// handleExec runs req.Task as a one-shot command exactly as ExecRequest
// documents; it does not affect the zone's own supervised
// command, which keeps running regardless of exec traffic.
func handleExec(req *types.ExecRequest) []byte {
	if len(req.Task) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	task := exec.CommandContext(ctx, req.Task[0], req.Task[1:]...)
	if len(req.Stdin) > 0 {
		task.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	task.Stdout = &stdout
	task.Stderr = &stderr

	resp := types.ExecResponse{}
	err := task.Run()
	resp.Stdout = stdout.Bytes()
	resp.Stderr = stderr.Bytes()

	var code int64
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = int64(exitErr.ExitCode())
	} else if err != nil {
		code = 127
	}
	resp.Exit = &code

	out, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	return out
}

const execTimeout = 30 * time.Second

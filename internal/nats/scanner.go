package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kvstream/logbackup/internal/core"
)

// DefaultScanTimeout bounds a single initial scan request.
const DefaultScanTimeout = 10 * time.Minute

// ScanClient asks storage nodes to run initial scans over request/reply.
type ScanClient struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

// NewScanClient creates a ScanClient.
func NewScanClient(nc *nats.Conn, timeout time.Duration) *ScanClient {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &ScanClient{nc: nc, subject: ScanRequestSubject(), timeout: timeout}
}

// InitialScan implements core.InitialScanner. Stopping handle abandons the
// request.
func (c *ScanClient) InitialScan(ctx context.Context, region core.Region, startTS core.TimeStamp, handle *core.Handle) (core.ScanStats, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	go func() {
		select {
		case <-handle.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	data, err := json.Marshal(scanRequest{Region: region, StartTS: startTS, Handle: handle.ID()})
	if err != nil {
		return core.ScanStats{}, fmt.Errorf("marshal scan request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		if !handle.IsObserving() {
			return core.ScanStats{}, core.NewObserveCanceledError(region.ID)
		}
		if errors.Is(err, nats.ErrNoResponders) {
			return core.ScanStats{}, core.NewRaftRequestError(region.ID, "no storage node serves initial scans")
		}
		return core.ScanStats{}, fmt.Errorf("initial scan request: %w", err)
	}
	return decodeScanReply(msg.Data, region.ID)
}

// ServeInitialScans answers scan requests with scanner. Storage nodes and
// tests use it to serve the other end of ScanClient.
func ServeInitialScans(nc *nats.Conn, scanner core.InitialScanner) (*nats.Subscription, error) {
	log := slog.Default().With("component", "scan-server")
	sub, err := nc.Subscribe(ScanRequestSubject(), func(msg *nats.Msg) {
		var req scanRequest
		var reply scanReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = encodeError(core.NewInvalidRequestError("malformed scan request"))
		} else {
			handle := core.NewHandle()
			stats, err := scanner.InitialScan(context.Background(), req.Region, req.StartTS, handle)
			reply.Stats = stats
			reply.Error = encodeError(err)
		}
		data, err := json.Marshal(reply)
		if err != nil {
			log.Error("failed to marshal scan reply", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn("failed to respond to scan request", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", ScanRequestSubject(), err)
	}
	return sub, nil
}

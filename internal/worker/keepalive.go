package worker

import (
	"context"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/mattjoyce/workq/internal/protocol"
	"github.com/mattjoyce/workq/internal/telemetry"
)

// keepalive pings the server every interval. A missing echo drops the
// connection, which makes the reader reconnect and advertise again.
func (h *Handle) keepalive(ctx context.Context) {
	ticker := time.NewTicker(h.w.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, gen, err := h.conn.current(ctx)
		if err != nil {
			return
		}
		if h.ping(ctx, gen, h.w.cfg.KeepaliveTimeout) || ctx.Err() != nil {
			continue
		}

		h.w.logger.Warn("keepalive timed out, reconnecting",
			"server", h.w.cfg.Addr, "timeout", h.w.cfg.KeepaliveTimeout.String())
		h.w.msink.IncrCounterWithLabels(telemetry.MetricWorkerKeepaliveMiss, 1,
			[]metrics.Label{telemetry.LabelServer.M(h.w.cfg.Addr)})
		h.conn.drop(gen)
	}
}

// ping sends a Ping on generation gen and waits up to timeout for the echo.
func (h *Handle) ping(ctx context.Context, gen uint64, timeout time.Duration) bool {
	// registered before sending so the echo cannot pass unclaimed
	tee := h.split.Tee()
	defer tee.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := h.conn.SendOn(ctx, gen, &protocol.Ping{}); err != nil {
		return false
	}

	_, err := tee.Take(ctx, func(in inbound) bool {
		return protocol.IsPing(in.msg)
	})
	return err == nil
}

package server

import (
	"context"
	"time"

	"github.com/mattjoyce/workq/internal/events"
	"github.com/mattjoyce/workq/internal/telemetry"
)

// healthCheck periodically warns about calls still waiting for a worker.
func (s *Server) healthCheck(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

type waitingTask struct {
	name   string
	count  int
	oldest time.Time
}

func (s *Server) checkHealth() {
	s.mu.Lock()
	var stalled []waitingTask
	for _, queue := range s.waiting {
		if len(queue) == 0 {
			continue
		}
		stalled = append(stalled, waitingTask{
			name:   queue[0].task.String(),
			count:  len(queue),
			oldest: queue[0].since,
		})
	}
	// Every enabled task reports a size; a pool deleted with its last
	// worker reads as zero.
	pools := make(map[string]int, len(s.tasks))
	for sig, t := range s.tasks {
		pools[t.String()] = len(s.pools[sig])
	}
	s.mu.Unlock()

	total := 0
	for _, w := range stalled {
		total += w.count
		s.logger.Warn("calls waiting for a worker",
			"task", w.name, "waiting", w.count, "oldest", time.Since(w.oldest).Round(time.Millisecond).String())
		s.msink.SetGaugeWithLabels(telemetry.MetricServerWaiting, float32(w.count),
			s.labels(telemetry.LabelTask.M(w.name)))
		s.cfg.Events.Publish(events.TaskWaiting, events.Waiting{Task: w.name, Waiting: w.count})
	}
	if total == 0 {
		s.msink.SetGaugeWithLabels(telemetry.MetricServerWaiting, 0, s.labels())
	}
	for name, size := range pools {
		s.msink.SetGaugeWithLabels(telemetry.MetricServerPoolSize, float32(size),
			s.labels(telemetry.LabelTask.M(name)))
	}
}

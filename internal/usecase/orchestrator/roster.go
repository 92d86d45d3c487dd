package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"openassistant/internal/domain"
)

// buildUnits materializes a roster of personas into execution units, once,
// at orchestrator construction. The returned map shares the units with the
// ordered slice; neither is mutated afterwards.
func buildUnits(personas []domain.Persona, deps UnitDeps) ([]*ExecutionUnit, map[string]*ExecutionUnit) {
	units := make([]*ExecutionUnit, 0, len(personas))
	byID := make(map[string]*ExecutionUnit, len(personas))
	for _, p := range personas {
		u := NewExecutionUnit(p, deps)
		units = append(units, u)
		byID[p.ID] = u
	}
	return units, byID
}

// recorder accumulates the (transcript entry, agent result) pair appended
// after each unit invocation of a run. Fresh per run, discarded after.
type recorder struct {
	transcript []domain.TranscriptEntry
	results    []domain.AgentResult
}

// record appends the standard pair for a successful invocation.
func (r *recorder) record(u *ExecutionUnit, out *RunOutput) {
	r.transcript = append(r.transcript, domain.TranscriptEntry{
		AgentID:   u.ID(),
		AgentName: u.Name(),
		Role:      "agent",
		Content:   out.Output,
		Timestamp: time.Now(),
	})
	r.results = append(r.results, domain.AgentResult{
		AgentID:   u.ID(),
		AgentName: u.Name(),
		Output:    out.Output,
		Duration:  out.Duration,
	})
}

// recordFailure appends a result whose Error field is set; no transcript
// entry is written since the unit produced no usable content.
func (r *recorder) recordFailure(u *ExecutionUnit, duration time.Duration, errMsg string) {
	r.results = append(r.results, domain.AgentResult{
		AgentID:   u.ID(),
		AgentName: u.Name(),
		Duration:  duration,
		Error:     errMsg,
	})
}

// emitFn forwards one progress event to the stream consumer. A nil emitFn
// selects buffered mode.
type emitFn func(domain.ProgressEvent)

// invokeUnit runs one unit in either mode. In buffered mode it delegates to
// Run; in streaming mode it consumes the unit's event sequence, forwards
// every event, and reconstructs the buffered result from the terminal event
// so both modes stay behaviorally consistent.
func invokeUnit(ctx context.Context, u *ExecutionUnit, in RunInput, emit emitFn) (*RunOutput, error) {
	if emit == nil {
		return u.Run(ctx, in)
	}

	var out *RunOutput
	for ev := range u.RunStream(ctx, in) {
		emit(ev)
		switch ev.Kind {
		case domain.ProgressAgentDone:
			out = &RunOutput{Output: ev.Output, Duration: ev.Duration}
		case domain.ProgressAgentError:
			return nil, errors.New(ev.Error)
		}
	}
	if out == nil {
		return nil, fmt.Errorf("agent %s: stream ended without a terminal event", u.ID())
	}
	return out, nil
}

// invokeUnitCollect runs one unit in streaming mode but defers emission:
// the full event sequence comes back with the result so concurrent
// invocations can flush their events atomically, keeping each agent's
// chunks contiguous in the merged stream.
func invokeUnitCollect(ctx context.Context, u *ExecutionUnit, in RunInput) (*RunOutput, []domain.ProgressEvent, error) {
	var (
		events []domain.ProgressEvent
		out    *RunOutput
		runErr error
	)
	for ev := range u.RunStream(ctx, in) {
		events = append(events, ev)
		switch ev.Kind {
		case domain.ProgressAgentDone:
			out = &RunOutput{Output: ev.Output, Duration: ev.Duration}
		case domain.ProgressAgentError:
			runErr = errors.New(ev.Error)
		}
	}
	if runErr != nil {
		return nil, events, runErr
	}
	if out == nil {
		return nil, events, fmt.Errorf("agent %s: stream ended without a terminal event", u.ID())
	}
	return out, events, nil
}

// newRunID returns a lexically sortable run identifier.
func newRunID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// publishProgress mirrors a progress event onto the event bus, if one is
// configured, so observers outside the stream consumer can follow the run.
func publishProgress(ctx context.Context, bus domain.EventBus, logger *slog.Logger, runID string, ev domain.ProgressEvent) {
	if bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("marshal progress event failed", "kind", string(ev.Kind), "error", err)
		return
	}
	bus.Publish(ctx, domain.Event{
		Type:      domain.EventRunProgress,
		Timestamp: time.Now(),
		RunID:     runID,
		Payload:   payload,
	})
}

// discardLogger returns a no-op logger for components created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

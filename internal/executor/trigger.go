package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/hedgecoord/internal/delivery"
	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// TriggerOutcome is the result for one triggered action.
type TriggerOutcome struct {
	ActionID string `json:"action_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// TriggerResult summarises one trigger cascade.
type TriggerResult struct {
	PositionID string           `json:"position_id"`
	Outcomes   []TriggerOutcome `json:"outcomes"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
}

// ExecuteTriggerActions moves each follow-up action from PENDING to
// EXECUTING through the store's conditional write, one at a time with
// TriggerDelay between them. A failure never stops the rest of the list.
// The trigger list of a position is consumed once: later calls return
// domain.ErrTriggersConsumed.
//
// The owning process, which may be this one, executes the actions once it
// observes them as EXECUTING.
func (c *Coordinator) ExecuteTriggerActions(ctx context.Context, positionID string, actionIDs []string) (TriggerResult, error) {
	result := TriggerResult{PositionID: positionID, Outcomes: make([]TriggerOutcome, 0, len(actionIDs))}

	c.triggerMu.Lock()
	if _, done := c.consumed[positionID]; done {
		c.triggerMu.Unlock()
		return result, fmt.Errorf("executor: position %s: %w", positionID, domain.ErrTriggersConsumed)
	}
	c.consumed[positionID] = c.now()
	c.triggerMu.Unlock()
	c.triggerRuns.Add(1)

	log := c.logger.With(slog.String("position_id", positionID))
	log.Info("executing trigger actions", slog.Int("count", len(actionIDs)))

	for i, id := range actionIDs {
		if i > 0 && c.cfg.TriggerDelay > 0 {
			t := time.NewTimer(c.cfg.TriggerDelay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}

		out := TriggerOutcome{ActionID: id}
		if err := ctx.Err(); err != nil {
			out.Error = err.Error()
		} else if err := c.actions.CompareAndSetStatus(ctx, id, domain.ActionPending, domain.ActionExecuting); err != nil {
			out.Error = err.Error()
		} else {
			out.OK = true
		}

		if out.OK {
			result.Succeeded++
			c.metrics.TriggerAction("executing")
		} else {
			result.Failed++
			c.metrics.TriggerAction("failed")
			log.Warn("trigger action not started",
				slog.String("action_id", id),
				slog.String("error", out.Error),
			)
		}
		result.Outcomes = append(result.Outcomes, out)
	}

	log.Info("trigger actions done",
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
	)
	c.audit(positionID, result)
	return result, nil
}

// Cascade runs the trigger list of a position. It satisfies the trail
// engine's cascade hook.
func (c *Coordinator) Cascade(ctx context.Context, positionID string, actionIDs []string) error {
	_, err := c.ExecuteTriggerActions(ctx, positionID, actionIDs)
	return err
}

func (c *Coordinator) audit(positionID string, result TriggerResult) {
	if c.queue == nil {
		return
	}
	outcomes := make([]map[string]any, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		outcomes = append(outcomes, map[string]any{"action_id": o.ActionID, "ok": o.OK, "error": o.Error})
	}
	_, err := c.queue.Enqueue(delivery.Item{
		Kind: delivery.KindAudit,
		Key:  positionID,
		Payload: delivery.AuditRecord{
			Event: "trigger_cascade",
			Detail: map[string]any{
				"position_id": positionID,
				"succeeded":   result.Succeeded,
				"failed":      result.Failed,
				"outcomes":    outcomes,
			},
		},
		Priority: delivery.PriorityLow,
	})
	if err != nil {
		c.logger.Warn("trigger audit not queued", slog.String("error", err.Error()))
	}
}

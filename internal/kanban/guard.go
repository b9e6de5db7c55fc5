package kanban

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-crew/internal/audit"
	otelPkg "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/shared"
)

// GuardStatus is the in-band outcome of a guarded task update.
type GuardStatus string

const (
	GuardNoop       GuardStatus = "NOOP"
	GuardApplied    GuardStatus = "APPLIED"
	GuardRejected   GuardStatus = "REJECTED"
	GuardForcedDone GuardStatus = "FORCED_DONE"
)

// TaskUpdate is a partial update. Nil fields are left alone.
type TaskUpdate struct {
	Column           *persistence.Column
	Title            *string
	Description      *string
	Position         *int
	AssigneeAgentID  *string
	CompletionReport *string
	// Reason explains a move back to backlog. It ends up in the completion
	// report when the move is forced to done, and in the audit trail.
	Reason string

	// prepare runs on the candidate row inside the transaction, after the
	// plain fields are applied.
	prepare func(t *persistence.Task)
}

func ColumnPtr(c persistence.Column) *persistence.Column { return &c }

func StringPtr(s string) *string { return &s }

// GuardResult reports what the guard did. Message always starts with the status.
type GuardResult struct {
	Status  GuardStatus
	Message string
	From    persistence.Column
	To      persistence.Column
	Task    *persistence.Task
}

// UpdateTask applies upd to the task under the column state machine, in one
// transaction:
//
//   - a move out of done is REJECTED and nothing changes
//   - done -> done with other fields changed is APPLIED
//   - the same column with nothing else changed is a NOOP
//   - in_progress -> backlog increments retryCount and clears the assignee;
//     if the new count reaches the retry cap the task is FORCED_DONE
//   - every other transition is APPLIED as requested
//
// Only store failures and unknown ids come back as errors.
func (s *Scheduler) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) (GuardResult, error) {
	if upd.Column != nil && !upd.Column.Valid() {
		return GuardResult{}, fmt.Errorf("update task %s: invalid column %q", taskID, *upd.Column)
	}
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "kanban.update_task",
		otelPkg.AttrProjectID.String(s.projectID),
		otelPkg.AttrTaskID.String(taskID),
	)
	defer span.End()

	maxRetries, _ := s.limits()
	var res GuardResult
	task, err := s.mutateTask(ctx, taskID, func(t *persistence.Task) (bool, error) {
		res = GuardResult{}
		return applyGuard(t, upd, maxRetries, &res), nil
	})
	if err != nil {
		span.RecordError(err)
		return GuardResult{}, fmt.Errorf("update task %s: %w", taskID, err)
	}
	res.Task = task
	span.SetAttributes(otelPkg.AttrGuardStatus.String(string(res.Status)), otelPkg.AttrColumn.String(string(res.To)))

	logger := shared.Logger(ctx, s.logger).With("task_id", taskID, "from", string(res.From), "to", string(res.To))
	switch res.Status {
	case GuardRejected:
		logger.Warn("task update rejected", "reason", res.Message)
		s.audit.Record(ctx, audit.Entry{
			Decision: audit.DecisionRejected, ProjectID: task.ProjectID, TaskID: taskID,
			AgentID: shared.AgentID(ctx), From: string(res.From), To: string(res.To), Reason: res.Message,
		})
	case GuardForcedDone:
		logger.Warn("task forced to done", "retry_count", task.RetryCount)
		s.audit.Record(ctx, audit.Entry{
			Decision: audit.DecisionForcedDone, ProjectID: task.ProjectID, TaskID: taskID,
			AgentID: shared.AgentID(ctx), From: string(res.From), To: string(persistence.ColumnDone),
			Reason: task.CompletionReport,
		})
	case GuardApplied:
		logger.Info("task updated", "retry_count", task.RetryCount, "assignee", task.AssigneeAgentID)
	default:
		logger.Debug("task update was a no-op")
	}
	if s.metrics != nil {
		s.metrics.KanbanTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(res.Status)),
			attribute.String("to", string(task.Column)),
		))
	}
	return res, nil
}

// applyGuard mutates t per the state machine and reports whether to write it.
func applyGuard(t *persistence.Task, upd TaskUpdate, maxRetries int, res *GuardResult) bool {
	from := t.Column
	target := from
	if upd.Column != nil {
		target = *upd.Column
	}
	res.From, res.To = from, target

	next := *t
	fieldsChanged := upd.applyFields(&next)
	if upd.prepare != nil {
		upd.prepare(&next)
		fieldsChanged = fieldsChanged || !sameFields(t, &next)
	}

	if from == persistence.ColumnDone && target != persistence.ColumnDone {
		res.Status = GuardRejected
		res.Message = fmt.Sprintf("REJECTED: task %s is done; done is terminal and cannot move to %s", t.ID, target)
		return false
	}
	if target == from {
		if !fieldsChanged {
			res.Status = GuardNoop
			res.Message = fmt.Sprintf("NOOP: task %s is already in %s with no other changes", t.ID, from)
			return false
		}
		*t = next
		res.Status = GuardApplied
		res.Message = fmt.Sprintf("APPLIED: task %s updated in %s", t.ID, from)
		return true
	}

	next.Column = target
	if from == persistence.ColumnInProgress && target == persistence.ColumnBacklog {
		next.RetryCount = t.RetryCount + 1
		next.AssigneeAgentID = ""
		if next.RetryCount >= maxRetries {
			next.Column = persistence.ColumnDone
			next.CompletionReport = forcedDoneReport(next.RetryCount, upd.Reason)
			*t = next
			res.To = persistence.ColumnDone
			res.Status = GuardForcedDone
			res.Message = fmt.Sprintf("FORCED_DONE: task %s failed %d times (limit %d) and was closed as failed",
				t.ID, next.RetryCount, maxRetries)
			return true
		}
	}
	*t = next
	res.Status = GuardApplied
	res.Message = fmt.Sprintf("APPLIED: task %s moved %s -> %s", t.ID, from, target)
	if next.Column == persistence.ColumnBacklog && from == persistence.ColumnInProgress {
		res.Message += fmt.Sprintf(" (attempt %d of %d failed)", next.RetryCount, maxRetries)
	}
	return true
}

func (u TaskUpdate) applyFields(t *persistence.Task) bool {
	changed := false
	setString := func(dst *string, v *string) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = true
		}
	}
	setString(&t.Title, u.Title)
	setString(&t.Description, u.Description)
	setString(&t.AssigneeAgentID, u.AssigneeAgentID)
	setString(&t.CompletionReport, u.CompletionReport)
	if u.Position != nil && t.Position != *u.Position {
		t.Position = *u.Position
		changed = true
	}
	return changed
}

func sameFields(a, b *persistence.Task) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.AssigneeAgentID == b.AssigneeAgentID &&
		a.CompletionReport == b.CompletionReport &&
		a.Position == b.Position
}

const maxReportDetail = 500

func forcedDoneReport(attempts int, reason string) string {
	report := fmt.Sprintf("FAILED: gave up after %d failed attempts", attempts)
	if r := strings.TrimSpace(reason); r != "" {
		report += "\nLast failure: " + truncate(r, maxReportDetail)
	}
	return report
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

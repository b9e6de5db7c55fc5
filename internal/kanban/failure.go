package kanban

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/go-crew/internal/audit"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/shared"
)

var failureSignals = []*regexp.Regexp{
	regexp.MustCompile(`WORKER ERROR`),
	regexp.MustCompile(`(?m)^\s*(?:ERROR|FAILED)\b`),
	regexp.MustCompile(`(?i)\[error\]`),
	regexp.MustCompile(`(?i)\bexit(?:ed with)? code[:\s]+[1-9]\d*`),
	regexp.MustCompile(`(?i)\bexit status\s+[1-9]\d*`),
	regexp.MustCompile(`(?i)\berror:`),
	regexp.MustCompile(`(?i)permission denied|EACCES`),
}

// IsFailureReport classifies a worker's free-text report. Blank reports are
// failures.
func IsFailureReport(report string) bool {
	if strings.TrimSpace(report) == "" {
		return true
	}
	for _, re := range failureSignals {
		if re.MatchString(report) {
			return true
		}
	}
	return false
}

// SafetyNetAction says what EnsureTaskMoved did.
type SafetyNetAction string

const (
	ActionAlreadyMoved SafetyNetAction = "already_moved"
	ActionForcedDone   SafetyNetAction = "forced_done"
	ActionCompleted    SafetyNetAction = "completed"
	ActionReturned     SafetyNetAction = "returned"
	ActionExhausted    SafetyNetAction = "retries_exhausted"
)

type SafetyNetResult struct {
	Action SafetyNetAction
	Failed bool
	// Guard is set when the move went through UpdateTask.
	Guard *GuardResult
	Task  *persistence.Task
}

const (
	previousFailureMarker = "--- PREVIOUS ATTEMPT FAILED ---"
	emptyReportDetail     = "worker returned an empty report"
)

// EnsureTaskMoved reconciles a task with the report its worker sent back,
// whatever the worker did to the board itself. A task still in progress is
// completed on success, or returned to backlog with the failure quoted in
// its description. A task the worker already moved elsewhere is forced to
// done when the report reads as a success.
//
// agentID names the reporting worker. A report from a worker that no longer
// holds an in_progress task is stale and answers already_moved. An empty
// agentID skips that check.
func (s *Scheduler) EnsureTaskMoved(ctx context.Context, taskID, agentID, report string) (SafetyNetResult, error) {
	ctx = shared.WithTaskID(ctx, taskID)
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return SafetyNetResult{}, fmt.Errorf("ensure task moved: %w", err)
	}
	failed := IsFailureReport(report)
	logger := shared.Logger(ctx, s.logger).With("task_id", taskID, "failed", failed)

	if task.Column != persistence.ColumnInProgress {
		if failed || task.Column == persistence.ColumnDone {
			return SafetyNetResult{Action: ActionAlreadyMoved, Failed: failed, Task: task}, nil
		}
		return s.forceDone(ctx, task, report)
	}

	if agentID != "" && task.AssigneeAgentID != agentID {
		logger.Warn("stale worker report ignored", "agent_id", agentID, "assignee", task.AssigneeAgentID)
		return SafetyNetResult{Action: ActionAlreadyMoved, Failed: failed, Task: task}, nil
	}

	if !failed {
		res, err := s.UpdateTask(ctx, taskID, TaskUpdate{
			Column:           ColumnPtr(persistence.ColumnDone),
			CompletionReport: StringPtr(strings.TrimSpace(report)),
		})
		if err != nil {
			return SafetyNetResult{}, err
		}
		logger.Info("task completed from worker report", "guard", res.Status)
		return SafetyNetResult{Action: ActionCompleted, Guard: &res, Task: res.Task}, nil
	}

	detail := strings.TrimSpace(report)
	if detail == "" {
		detail = emptyReportDetail
	}
	res, err := s.UpdateTask(ctx, taskID, TaskUpdate{
		Column: ColumnPtr(persistence.ColumnBacklog),
		Reason: detail,
		prepare: func(t *persistence.Task) {
			t.Description = withFailureNote(t.Description, detail)
		},
	})
	if err != nil {
		return SafetyNetResult{}, err
	}
	action := ActionReturned
	if res.Status == GuardForcedDone {
		action = ActionExhausted
	}
	logger.Warn("worker reported failure", "guard", res.Status, "retry_count", res.Task.RetryCount)
	return SafetyNetResult{Action: action, Failed: true, Guard: &res, Task: res.Task}, nil
}

// forceDone closes a task the worker moved out of in_progress without
// finishing it. The column is rechecked inside the transaction.
func (s *Scheduler) forceDone(ctx context.Context, task *persistence.Task, report string) (SafetyNetResult, error) {
	from := task.Column
	moved := false
	updated, err := s.mutateTask(ctx, task.ID, func(t *persistence.Task) (bool, error) {
		if t.Column == persistence.ColumnDone || t.Column == persistence.ColumnInProgress {
			return false, nil
		}
		from = t.Column
		t.Column = persistence.ColumnDone
		t.CompletionReport = strings.TrimSpace(report)
		moved = true
		return true, nil
	})
	if err != nil {
		return SafetyNetResult{}, fmt.Errorf("ensure task moved: %w", err)
	}
	if !moved {
		return SafetyNetResult{Action: ActionAlreadyMoved, Task: updated}, nil
	}
	shared.Logger(ctx, s.logger).Warn("safety net forced task to done", "task_id", task.ID, "from", string(from))
	s.audit.Record(ctx, audit.Entry{
		Decision:  audit.DecisionSafetyNet,
		ProjectID: updated.ProjectID,
		TaskID:    updated.ID,
		AgentID:   shared.AgentID(ctx),
		From:      string(from),
		To:        string(persistence.ColumnDone),
		Reason:    "worker reported success but left the task in " + string(from),
	})
	return SafetyNetResult{Action: ActionForcedDone, Task: updated}, nil
}

// withFailureNote replaces any earlier failure block at the end of desc with
// one quoting detail.
func withFailureNote(desc, detail string) string {
	if i := strings.Index(desc, previousFailureMarker); i >= 0 {
		desc = desc[:i]
	}
	desc = strings.TrimRight(desc, " \t\n")

	var b strings.Builder
	b.WriteString(desc)
	if desc != "" {
		b.WriteString("\n\n")
	}
	b.WriteString(previousFailureMarker)
	for _, line := range strings.Split(truncate(detail, maxReportDetail), "\n") {
		b.WriteString("\n> ")
		b.WriteString(line)
	}
	return b.String()
}

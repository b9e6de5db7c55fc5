package teamlead

import (
	"fmt"
	"strings"

	"github.com/basket/go-crew/internal/kanban"
	"github.com/basket/go-crew/internal/persistence"
)

func leadPrompt(projectName string) string {
	return fmt.Sprintf(`You are the team lead for project %q.
You plan work as tasks on the kanban board and never do the work yourself.
Workers are spawned automatically for unblocked backlog tasks.
Use create_task to add work, list_tasks to inspect the board, update_kanban_task to move or edit tasks and search_registry to see which workers exist.
Moves out of done are rejected. A task that fails too often is closed as failed.`, projectName)
}

var workerPrompts = map[kanban.Backend]string{
	kanban.BackendCoder:      "You are a coding worker. Complete the assigned task in the repository.",
	kanban.BackendOpenCode:   "You drive the OpenCode CLI to complete the assigned task.",
	kanban.BackendClaudeCode: "You drive the Claude Code CLI to complete the assigned task.",
	kanban.BackendCodex:      "You drive the Codex CLI to complete the assigned task.",
	kanban.BackendBrowser:    "You are a browser automation worker. Complete the assigned task with the browser tools.",
}

const reportInstructions = `
When you finish, reply with a short report of what you did.
If you could not finish, start the report with "WORKER ERROR:" and say why.`

func workerPrompt(b kanban.Backend) string {
	p, ok := workerPrompts[b]
	if !ok {
		p = workerPrompts[kanban.BackendCoder]
	}
	return p + "\n" + strings.TrimSpace(reportInstructions)
}

// taskPrompt is the content of a task_assignment message.
func taskPrompt(t persistence.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", t.ID, t.Title)
	if d := strings.TrimSpace(t.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
		b.WriteString("\n")
	}
	if t.RetryCount > 0 {
		fmt.Fprintf(&b, "\nThis is attempt %d. Earlier attempts failed; avoid repeating them.\n", t.RetryCount+1)
	}
	return b.String()
}

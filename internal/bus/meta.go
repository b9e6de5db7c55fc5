package bus

// Metadata keys on status messages a team lead sends about a worker's task.
const (
	MetaAction  = "action"
	MetaAgentID = "agentId"
	MetaBackend = "backend"
	MetaGuard   = "guard"
)

// StatusMeta builds status message metadata, skipping empty values.
func StatusMeta(taskID, action, agentID, guard string) map[string]string {
	meta := make(map[string]string, 4)
	for k, v := range map[string]string{
		MetaTaskID:  taskID,
		MetaAction:  action,
		MetaAgentID: agentID,
		MetaGuard:   guard,
	} {
		if v != "" {
			meta[k] = v
		}
	}
	return meta
}

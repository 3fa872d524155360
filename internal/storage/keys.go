package storage

// Object-store key layout. Indices are single objects so listings stay
// O(1) regardless of bucket size.
const (
	SessionIndexKey = "sessions/_index.json"
	RunIndexKey     = "runs/_index.json"
)

// SessionKey returns the key of a full session record.
func SessionKey(sessionID string) string {
	return "sessions/" + sessionID + ".json"
}

// RunKey returns the key of a full run record.
func RunKey(runID string) string {
	return "runs/" + runID + ".json"
}

// BackupKey returns the key of a session's agent-state archive.
func BackupKey(sessionID string) string {
	return "sessions/" + sessionID + "/opencode-storage.tar.gz"
}

// WorkflowKey returns the key of a workflow execution record.
func WorkflowKey(workflowID string) string {
	return "workflows/" + workflowID + ".json"
}

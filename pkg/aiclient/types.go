// Package aiclient calls the external AI microservice with bounded retries
// and backoff, and degrades to a deterministic local heuristic for task
// assignment when the service is unreachable. All AI traffic is funneled
// through a shared priority request queue so a slow dependency can never
// exhaust the web server.
package aiclient

// Task is a unit of work to be assigned to an employee.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Skills      []string `json:"skills,omitempty"`
}

// Employee is an assignment candidate with their reported current load.
type Employee struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Skills       []string `json:"skills,omitempty"`
	CurrentTasks int      `json:"currentTasks"`
}

// Criteria carries caller-defined assignment preferences, passed through to
// the AI service untouched.
type Criteria map[string]interface{}

// Assignment maps a task to an assignee with an explanation. Fallback marks
// results produced by the local workload balancer instead of the AI service.
type Assignment struct {
	TaskID     string  `json:"taskId"`
	EmployeeID string  `json:"employeeId"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback"`
}

// AssignmentResult is what AssignTasks hands back to the caller.
type AssignmentResult struct {
	Assignments []Assignment `json:"assignments"`
	Source      string       `json:"source"` // "ai", "fallback", or "cache"
}

// assignRequest is the wire payload for POST /assign-tasks.
type assignRequest struct {
	Tasks     []Task     `json:"tasks"`
	Employees []Employee `json:"employees"`
	Criteria  Criteria   `json:"criteria,omitempty"`
}

// assignResponse is the AI service's reply.
type assignResponse struct {
	Assignments []Assignment `json:"assignments"`
}

// Queue priorities for AI operations sharing one request queue. Task
// assignment is latency-sensitive and preempts analytics-style calls.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

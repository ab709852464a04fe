package aiclient

import "fmt"

// fallbackConfidence is the fixed score attached to workload-balanced
// assignments, well below typical AI confidence so callers can weigh them.
const fallbackConfidence = 0.55

// fallbackAssign distributes tasks by simple workload balancing: each task,
// in input order, goes to the employee with the strictly lowest running task
// count, ties broken by employee input order. Deterministic by construction:
// identical inputs always produce identical assignments.
func fallbackAssign(tasks []Task, employees []Employee) []Assignment {
	loads := make([]int, len(employees))
	for i, e := range employees {
		loads[i] = e.CurrentTasks
	}

	assignments := make([]Assignment, 0, len(tasks))
	for _, task := range tasks {
		best := 0
		for i := 1; i < len(loads); i++ {
			if loads[i] < loads[best] {
				best = i
			}
		}

		assignments = append(assignments, Assignment{
			TaskID:     task.ID,
			EmployeeID: employees[best].ID,
			Reason: fmt.Sprintf("workload balancing: %s had the lightest load (%d active tasks)",
				employees[best].Name, loads[best]),
			Confidence: fallbackConfidence,
			Fallback:   true,
		})
		loads[best]++
	}
	return assignments
}

package aiclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackBalancesByReportedLoad(t *testing.T) {
	tasks := []Task{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}, {ID: "t4"}}
	employees := []Employee{
		{ID: "a", Name: "Alice", CurrentTasks: 0},
		{ID: "b", Name: "Bob", CurrentTasks: 2},
	}

	got := fallbackAssign(tasks, employees)
	require.Len(t, got, 4)

	// Alice starts lighter: t1, t2 go to her (loads 0->2). At 2-2 the tie
	// breaks by input order, so t3 is hers too. Bob finally gets t4.
	assert.Equal(t, "a", got[0].EmployeeID)
	assert.Equal(t, "a", got[1].EmployeeID)
	assert.Equal(t, "a", got[2].EmployeeID)
	assert.Equal(t, "b", got[3].EmployeeID)
}

func TestFallbackEvenSpreadFromEqualLoads(t *testing.T) {
	tasks := []Task{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}, {ID: "t4"}, {ID: "t5"}, {ID: "t6"}}
	employees := []Employee{
		{ID: "a", Name: "Alice"},
		{ID: "b", Name: "Bob"},
		{ID: "c", Name: "Carol"},
	}

	got := fallbackAssign(tasks, employees)
	require.Len(t, got, 6)

	counts := map[string]int{}
	for _, a := range got {
		counts[a.EmployeeID]++
	}
	// No employee exceeds the minimum achievable maximum.
	for id, n := range counts {
		assert.Equal(t, 2, n, "employee %s", id)
	}
}

func TestFallbackIsDeterministic(t *testing.T) {
	tasks := []Task{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}}
	employees := []Employee{
		{ID: "a", Name: "Alice", CurrentTasks: 1},
		{ID: "b", Name: "Bob", CurrentTasks: 1},
	}

	first := fallbackAssign(tasks, employees)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, fallbackAssign(tasks, employees))
	}
}

func TestFallbackMarksResults(t *testing.T) {
	got := fallbackAssign([]Task{{ID: "t1"}}, []Employee{{ID: "a", Name: "Alice"}})
	require.Len(t, got, 1)
	assert.True(t, got[0].Fallback)
	assert.InDelta(t, 0.55, got[0].Confidence, 0.001)
	assert.Contains(t, got[0].Reason, "workload balancing")
	assert.Contains(t, got[0].Reason, "Alice")
}

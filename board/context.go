package board

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"prism-board/domain"
)

// maxContextItems caps each task list in the summary.
const maxContextItems = 10

// GetContext renders a human-readable summary of the board for callers that
// need orientation before acting on it.
func (s *Service) GetContext(ctx context.Context) (string, error) {
	ctx, op := s.startOp(ctx, "get_context")
	b, err := s.GetBoard(ctx)
	if err != nil {
		return "", op.End(err)
	}
	op.SetResultCount(b.Count())
	return renderContext(b), op.End(nil)
}

func renderContext(b *domain.Board) string {
	tasks := b.AllTasks()
	stats := domain.ComputeStats(tasks)

	var sb strings.Builder
	name := b.Info.Name
	if name == "" {
		name = b.Info.ID
	}
	fmt.Fprintf(&sb, "Board: %s\n", name)
	fmt.Fprintf(&sb, "Tasks: %d total", stats.TotalTasks)
	if stats.EstimatedTasks > 0 {
		fmt.Fprintf(&sb, ", %s estimated hours across %d tasks", formatHours(stats.TotalEstimatedHours), stats.EstimatedTasks)
	}
	sb.WriteString("\n")

	lanes := domain.Lanes()
	parts := make([]string, len(lanes))
	for i, l := range lanes {
		parts[i] = fmt.Sprintf("%s %d", l, stats.ByLane[l])
	}
	fmt.Fprintf(&sb, "Lanes: %s\n", strings.Join(parts, ", "))

	writeSection(&sb, "In progress", b.TasksInLane(domain.LaneInProgress))
	writeSection(&sb, "Recovery", b.TasksInLane(domain.LaneRecovery))

	var urgent []domain.Task
	for _, t := range tasks {
		if t.Lane != domain.LaneDone && t.Priority.Rank() >= domain.PriorityHigh.Rank() {
			urgent = append(urgent, t)
		}
	}
	slices.SortStableFunc(urgent, func(a, b domain.Task) int {
		return b.Priority.Rank() - a.Priority.Rank()
	})
	writeSection(&sb, "Open high priority", urgent)

	return strings.TrimRight(sb.String(), "\n")
}

func writeSection(sb *strings.Builder, title string, tasks []domain.Task) {
	if len(tasks) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s (%d):\n", title, len(tasks))
	for i, t := range tasks {
		if i == maxContextItems {
			fmt.Fprintf(sb, "  ... and %d more\n", len(tasks)-maxContextItems)
			break
		}
		fmt.Fprintf(sb, "  - [%s] %s (%s, %s)", t.Priority, t.Title, t.ID, t.Lane)
		if t.EstimatedHours != nil {
			fmt.Fprintf(sb, " %sh", formatHours(*t.EstimatedHours))
		}
		sb.WriteString("\n")
	}
}

func formatHours(h float64) string {
	return strconv.FormatFloat(h, 'f', -1, 64)
}

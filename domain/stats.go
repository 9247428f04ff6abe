package domain

// Stats summarizes a board. ByLane and ByPriority always contain every key
// and each sums to TotalTasks.
type Stats struct {
	TotalTasks          int              `json:"totalTasks"`
	ByLane              map[Lane]int     `json:"byLane"`
	ByPriority          map[Priority]int `json:"byPriority"`
	TotalEstimatedHours float64          `json:"totalEstimatedHours"`
	EstimatedTasks      int              `json:"estimatedTasks"`
}

// NewStats returns zeroed stats with every lane and priority present.
func NewStats() Stats {
	s := Stats{ByLane: make(map[Lane]int, len(lanes)), ByPriority: make(map[Priority]int, len(priorities))}
	for _, l := range lanes {
		s.ByLane[l] = 0
	}
	for _, p := range priorities {
		s.ByPriority[p] = 0
	}
	return s
}

// Add counts one task. Tasks with an unknown lane or priority are skipped
// entirely so the sums stay consistent.
func (s *Stats) Add(t Task) {
	estimated := 0
	if t.EstimatedHours != nil {
		estimated = 1
	}
	s.AddGroup(t.Lane, t.Priority, 1, t.Hours(), estimated)
}

// AddGroup counts n tasks sharing a lane and priority, of which estimated
// carry an estimate summing to hours. Storage adapters that aggregate in the
// database use it directly.
func (s *Stats) AddGroup(l Lane, p Priority, n int, hours float64, estimated int) {
	if !l.Valid() || !p.Valid() || n <= 0 {
		return
	}
	s.TotalTasks += n
	s.ByLane[l] += n
	s.ByPriority[p] += n
	s.TotalEstimatedHours += hours
	s.EstimatedTasks += estimated
}

// ComputeStats aggregates tasks.
func ComputeStats(tasks []Task) Stats {
	s := NewStats()
	for _, t := range tasks {
		s.Add(t)
	}
	return s
}

// Consistent reports whether both breakdowns sum to TotalTasks.
func (s Stats) Consistent() bool {
	lanesSum, prioSum := 0, 0
	for _, n := range s.ByLane {
		lanesSum += n
	}
	for _, n := range s.ByPriority {
		prioSum += n
	}
	return lanesSum == s.TotalTasks && prioSum == s.TotalTasks
}

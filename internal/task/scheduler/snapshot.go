package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{
		Started:   s.started,
		Schedules: make([]ScheduleInfo, 0, len(s.jobs)),
		Once:      make([]OnceInfo, 0, len(s.once)),
	}
	for name, js := range s.jobs {
		out.Schedules = append(out.Schedules, ScheduleInfo{
			Name:      name,
			Spec:      js.job.Spec,
			Priority:  js.job.Priority.String(),
			Prev:      js.prev,
			Next:      js.next,
			Fires:     js.fires,
			LastError: js.lastErr,
		})
	}
	for name, o := range s.once {
		out.Once = append(out.Once, OnceInfo{Name: name, At: o.at, Priority: o.priority.String()})
	}
	s.mu.Unlock()

	sort.Slice(out.Schedules, func(i, j int) bool { return out.Schedules[i].Name < out.Schedules[j].Name })
	sort.Slice(out.Once, func(i, j int) bool { return out.Once[i].Name < out.Once[j].Name })
	return out
}

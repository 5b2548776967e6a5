package refresher

// Snapshot is the immutable content produced by one completed fetch: the projects that were fetched successfully
// and, optionally, the connection failure that prevented the fetch. Only one of the two is meaningful for a given
// snapshot, a failed snapshot always has an empty project list.
type Snapshot[P any] struct {
	projects []P
	failure  error
}

// NewSnapshot builds a successful snapshot. The slice is copied so later changes by the caller are not observed.
func NewSnapshot[P any](projects []P) Snapshot[P] {
	cp := make([]P, len(projects))
	copy(cp, projects)
	return Snapshot[P]{projects: cp}
}

// FailedSnapshot builds a snapshot carrying a connection failure and no projects.
func FailedSnapshot[P any](err error) Snapshot[P] {
	return Snapshot[P]{projects: []P{}, failure: err}
}

// Projects returns a copy of the fetched projects in the order the provider returned them.
func (s Snapshot[P]) Projects() []P {
	cp := make([]P, len(s.projects))
	copy(cp, s.projects)
	return cp
}

// Len returns the number of projects in the snapshot.
func (s Snapshot[P]) Len() int { return len(s.projects) }

// Failure returns the connection failure, if the snapshot carries one.
func (s Snapshot[P]) Failure() (error, bool) {
	return s.failure, s.failure != nil
}

// Failed reports whether the snapshot carries a connection failure.
func (s Snapshot[P]) Failed() bool { return s.failure != nil }

// partition keeps the models of successful results in order and counts the dropped failures.
func partition[P any](results []ModelResult[P]) ([]P, int) {
	projects := make([]P, 0, len(results))
	dropped := 0
	for _, r := range results {
		if r.Failed() {
			dropped++
			continue
		}
		projects = append(projects, r.Model)
	}
	return projects, dropped
}

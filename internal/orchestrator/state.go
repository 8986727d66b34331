package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/numberforty/cc-codex-crawler/internal/model"
)

// State is the mutable state of one run. Quota capacity is reserved before
// a fetch is queued and either committed or released when it finishes, so
// accepted artifacts never exceed the quota however many fetches race.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	quota     int // 0 = unlimited
	accepted  int
	pending   int
	nextIndex int64

	extCap   int            // 0 = no per-extension cap
	extCount map[string]int // Accepted plus pending, per extension

	evaluated       int
	skippedByRule   int
	skippedByFilter int
	skippedByFetch  int

	sources []model.SourceReport
	written []string
	matches []model.DryRunMatch
}

// NewState creates the state for a run over the given sources
func NewState(quota int, sources []model.Source) *State {
	s := &State{quota: quota, sources: make([]model.SourceReport, len(sources))}
	s.cond = sync.NewCond(&s.mu)
	for i, src := range sources {
		s.sources[i] = model.SourceReport{ID: src.ID, State: model.SourcePending}
	}
	return s
}

// SetExtensionCap limits accepted artifacts per extension
func (s *State) SetExtensionCap(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extCap = n
	s.extCount = make(map[string]int)
}

// ReserveExtension claims a slot under the per-extension cap. It reports
// false when the extension already has enough accepted or pending artifacts.
func (s *State) ReserveExtension(ext string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extCap == 0 {
		return true
	}
	if s.extCount[ext] >= s.extCap {
		return false
	}
	s.extCount[ext]++
	return true
}

// ReleaseExtension returns a slot claimed by ReserveExtension
func (s *State) ReleaseExtension(ext string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extCap > 0 && s.extCount[ext] > 0 {
		s.extCount[ext]--
	}
}

// wakeOnDone releases Reserve and AwaitCapacity waiters when ctx ends
func (s *State) wakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
}

// waitCapacity blocks while the quota could be met by fetches already in
// flight. It reports whether capacity remains. Callers hold s.mu.
func (s *State) waitCapacity(ctx context.Context) bool {
	for s.quota > 0 && s.accepted+s.pending >= s.quota {
		if s.pending == 0 || ctx.Err() != nil {
			return false
		}
		s.cond.Wait()
	}
	return ctx.Err() == nil
}

// Reserve claims capacity for one candidate. It blocks while in-flight
// fetches could still fill the quota and returns false once the quota is
// met or ctx is done.
func (s *State) Reserve(ctx context.Context) bool {
	stop := s.wakeOnDone(ctx)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.waitCapacity(ctx) {
		return false
	}
	s.pending++
	return true
}

// AwaitCapacity blocks like Reserve without claiming anything
func (s *State) AwaitCapacity(ctx context.Context) bool {
	stop := s.wakeOnDone(ctx)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitCapacity(ctx)
}

// Commit turns a reservation into an accepted artifact and returns its
// monotonic index
func (s *State) Commit() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	s.accepted++
	idx := s.nextIndex
	s.nextIndex++
	s.cond.Broadcast()
	return idx
}

// Revoke undoes a Commit whose artifact could not be stored. The index is
// not reused.
func (s *State) Revoke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted--
	s.cond.Broadcast()
}

// Release gives a reservation back after a skip or failure
func (s *State) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	s.cond.Broadcast()
}

// QuotaMet reports whether the quota has been reached
func (s *State) QuotaMet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotaMet()
}

func (s *State) quotaMet() bool {
	return s.quota > 0 && s.accepted >= s.quota
}

// Accepted returns the number of accepted artifacts
func (s *State) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Pending returns the number of reservations in flight
func (s *State) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Evaluated counts one record of source i and whether it was matched
func (s *State) Evaluated(i int, matched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated++
	s.sources[i].Records++
	if matched {
		s.sources[i].Matched++
	} else {
		s.skippedByRule++
	}
}

// SkippedByFilter counts a matched record the payload filter turned down
func (s *State) SkippedByFilter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skippedByFilter++
}

// SkippedByFetch counts a matched record whose payload could not be fetched
func (s *State) SkippedByFetch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skippedByFetch++
}

// AddWritten records the path of a written artifact
func (s *State) AddWritten(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, path)
}

// AddMatch records a dry-run match
func (s *State) AddMatch(m model.DryRunMatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, m)
}

// SourceActive marks source i as being read
func (s *State) SourceActive(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[i].State = model.SourceActive
}

// SourceDone marks source i as read to the end
func (s *State) SourceDone(i int, malformed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[i].State = model.SourceDone
	s.sources[i].Malformed = malformed
}

// SourceFailed marks source i as failed
func (s *State) SourceFailed(i int, malformed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[i].State = model.SourceFailed
	s.sources[i].Malformed = malformed
	s.sources[i].Error = err.Error()
}

// Fill copies the counters into a summary
func (s *State) Fill(sum *model.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum.QuotaMet = s.quotaMet()
	sum.SourcesTotal = len(s.sources)
	sum.RecordsEvaluated = s.evaluated
	sum.Accepted = s.accepted
	sum.SkippedByRule = s.skippedByRule
	sum.SkippedByFilter = s.skippedByFilter
	sum.SkippedByFetchFailure = s.skippedByFetch

	sum.Sources = append([]model.SourceReport(nil), s.sources...)
	for _, r := range s.sources {
		switch r.State {
		case model.SourceDone:
			sum.SourcesProcessed++
		case model.SourceFailed:
			sum.SourcesFailed++
		}
	}

	sum.Written = append([]string(nil), s.written...)
	sort.Strings(sum.Written)
	sum.Matches = append([]model.DryRunMatch(nil), s.matches...)
}

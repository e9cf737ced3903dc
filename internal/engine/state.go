package engine

import (
	"fmt"
	"time"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

// transition moves t to the next stage and records the change.
func (r *run) transition(t core.ObjectType, to core.StageState) error {
	return advance(r.report, t, to, r.e.now().UTC())
}

// advance moves t to the next stage of report and records the change.
func advance(report *core.RunReport, t core.ObjectType, to core.StageState, at time.Time) error {
	var err error
	report.Update(t, func(tr *core.TypeReport) {
		if !tr.State.CanTransition(to) {
			err = fmt.Errorf("invalid state transition for %s: %s -> %s", t, tr.State, to)
			return
		}
		tr.Transitions = append(tr.Transitions, core.Transition{From: tr.State, To: to, At: at})
		tr.State = to
	})
	return err
}

// fail marks t failed unless it already finished.
func fail(report *core.RunReport, t core.ObjectType, msg string, at time.Time) {
	report.Update(t, func(tr *core.TypeReport) {
		if tr.State.Terminal() {
			return
		}
		tr.Transitions = append(tr.Transitions, core.Transition{From: tr.State, To: core.StateFailed, At: at})
		tr.State = core.StateFailed
		tr.Error = msg
	})
}

// abort fails the type that hit err and every type that has not finished.
func (r *run) abort(t core.ObjectType, err error) {
	at := r.e.now().UTC()
	for _, other := range r.opts.Types {
		msg := "run aborted"
		if other == t {
			msg = err.Error()
		}
		fail(r.report, other, msg, at)
	}
}

package fairsim

// scheduler.go holds the narrow view of the discrete-event engine that the
// telemetry components use, and the recurring-task pattern they share.
//
// Everything in a run executes as a scheduled callback on one evtm.EventManager.
// A callback runs to completion before the next one fires, so the counters the
// sampler reads and resets need no locking.  The sampler, the progress reporter
// and the queue monitor are all recurring tasks: each run of the task schedules
// the next one, period seconds later, and the chain only ends when the event
// manager stops processing events at the run horizon.

import (
	"fmt"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// Action is a unit of scheduled work.  It is given the virtual time (in seconds)
// at which it executes
type Action func(now float64)

// Scheduler is what the telemetry needs from the simulation engine
type Scheduler interface {
	// Now returns the current virtual time, in seconds
	Now() float64

	// After arranges for action to run delay seconds from now
	After(delay float64, action Action)
}

// EventScheduler adapts an evtm.EventManager to the Scheduler interface
type EventScheduler struct {
	EvtMgr  *evtm.EventManager
	horizon float64 // time the last call to RunUntil ran to
}

// CreateEventScheduler is a constructor.  A nil argument creates a fresh event manager
func CreateEventScheduler(evtMgr *evtm.EventManager) *EventScheduler {
	if evtMgr == nil {
		evtMgr = evtm.New()
	}
	return &EventScheduler{EvtMgr: evtMgr}
}

// Now returns the event manager's clock in seconds
func (es *EventScheduler) Now() float64 {
	return es.EvtMgr.CurrentSeconds()
}

// After schedules action as an evtm event delay seconds in the future
func (es *EventScheduler) After(delay float64, action Action) {
	if delay < 0.0 {
		panic(fmt.Errorf("negative scheduling delay %g", delay))
	}
	es.EvtMgr.Schedule(action, nil, runAction, vrtime.SecondsToTime(delay))
}

// runAction is the event handler behind After; the Action travels as the event context
func runAction(evtMgr *evtm.EventManager, context any, data any) any {
	action := context.(Action)
	action(evtMgr.CurrentSeconds())
	return nil
}

// RunUntil processes events in time order until the next event lies beyond horizon.
// Events scheduled at exactly the horizon are executed.
func (es *EventScheduler) RunUntil(horizon float64) {
	es.horizon = horizon
	es.EvtMgr.Run(horizon + horizonSlack)
}

// Horizon reports the limit given to the most recent RunUntil
func (es *EventScheduler) Horizon() float64 {
	return es.horizon
}

// horizonSlack lets events stamped exactly at the horizon survive float rounding
const horizonSlack = 1e-9

// RecurringTask is an action that re-schedules itself every period seconds for as
// long as the event loop keeps running.  There is no way to cancel it.
type RecurringTask struct {
	Name   string
	sched  Scheduler
	period float64
	action Action
	runs   int
}

// Every creates a RecurringTask whose first execution is first seconds from now
func Every(sched Scheduler, name string, first, period float64, action Action) *RecurringTask {
	if !(period > 0.0) {
		panic(fmt.Errorf("recurring task %s needs a positive period, got %g", name, period))
	}
	rt := &RecurringTask{Name: name, sched: sched, period: period, action: action}
	sched.After(first, rt.fire)
	return rt
}

// fire performs one occurrence and schedules the next
func (rt *RecurringTask) fire(now float64) {
	rt.runs += 1
	rt.action(now)
	rt.sched.After(rt.period, rt.fire)
}

// Runs is the number of times the task has executed
func (rt *RecurringTask) Runs() int {
	return rt.runs
}

// Period returns the re-scheduling interval, in seconds
func (rt *RecurringTask) Period() float64 {
	return rt.period
}

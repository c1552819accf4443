package fairsim

import (
	"fmt"
	"io"

	"github.com/golang/glog"
)

// ProgressReporter prints a liveness line at a fixed virtual-time period.
// It only reads the clock.
type ProgressReporter struct {
	Out      io.Writer
	Interval float64
	sched    Scheduler
	task     *RecurringTask
}

// CreateProgressReporter is a constructor
func CreateProgressReporter(sched Scheduler, out io.Writer, interval float64) *ProgressReporter {
	return &ProgressReporter{Out: out, Interval: interval, sched: sched}
}

// Start schedules the first line first seconds from now
func (pr *ProgressReporter) Start(first float64) {
	pr.task = Every(pr.sched, "progress", first, pr.Interval, pr.report)
}

func (pr *ProgressReporter) report(now float64) {
	fmt.Fprintf(pr.Out, "Progress to %.2f seconds simulation time\n", now)
	glog.V(1).Infof("progress %.6f", now)
}

// Lines is the number of progress lines written
func (pr *ProgressReporter) Lines() int {
	if pr.task == nil {
		return 0
	}
	return pr.task.Runs()
}

// ConsoleNotifier returns a threshold listener that writes "time fairness" lines to out
func ConsoleNotifier(out io.Writer) func(ThresholdCrossing) {
	return func(tc ThresholdCrossing) {
		fmt.Fprintln(out, tc.String())
		glog.Infof("%s reached %g at %.6f (fairness %.6f)", tc.Series, tc.Level, tc.Time, tc.Fairness)
	}
}

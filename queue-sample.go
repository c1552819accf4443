package fairsim

import (
	"fmt"
)

// QueueDisc is the view of a queue discipline the monitor needs
type QueueDisc interface {
	PacketCount() int
}

// QueueMonitor writes the raw occupancy of a list of queues every interval.
// Each queue is written under its position in the list.
type QueueMonitor struct {
	Series   string
	Interval float64
	queues   []QueueDisc
	sched    Scheduler
	out      emitter
	task     *RecurringTask
	maxSeen  []int
}

// CreateQueueMonitor is a constructor
func CreateQueueMonitor(sched Scheduler, sink ReportSink, series string, interval float64,
	queues []QueueDisc) *QueueMonitor {
	if !(interval > 0.0) {
		panic(fmt.Errorf("queue monitor %s needs a positive interval, got %g", series, interval))
	}
	return &QueueMonitor{Series: series, Interval: interval, queues: queues, sched: sched,
		out: emitter{sink: sink}, maxSeen: make([]int, len(queues))}
}

// Declare announces the queue-length series to the sink
func (qm *QueueMonitor) Declare() error {
	if qm.out.sink == nil {
		return nil
	}
	return qm.out.sink.Declare(SeriesDesc{Name: qm.Series, Kind: TimeIndexCount,
		Header: "#time_s\tqueue_index\tqueue_len_packets"})
}

// Start schedules the first sample first seconds from now
func (qm *QueueMonitor) Start(first float64) {
	qm.task = Every(qm.sched, "queue-monitor", first, qm.Interval, qm.sample)
}

func (qm *QueueMonitor) sample(now float64) {
	qm.Sample(now)
}

// Sample reads every queue once and returns the occupancies in list order
func (qm *QueueMonitor) Sample(now float64) []int {
	lens := make([]int, len(qm.queues))
	for idx, qd := range qm.queues {
		lens[idx] = qd.PacketCount()
		qm.maxSeen[idx] = max(qm.maxSeen[idx], lens[idx])
		qm.out.emit(qm.Series, Record{Time: now, Key: int64(idx), Value: float64(lens[idx])})
	}
	return lens
}

// MaxSeen is the largest occupancy sampled from each queue
func (qm *QueueMonitor) MaxSeen() []int {
	return qm.maxSeen
}

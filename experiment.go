package fairsim

// experiment.go assembles and runs one experiment.  BuildExperiment validates the
// configuration and creates the output directory before anything else, so a bad
// queue-discipline id or an unwritable output path fails without leaving files
// behind.  It then opens the report sinks, builds the scenario's network and
// flows, and schedules the telemetry.  Run drives the event loop to the horizon
// and completes the summary; Close flushes and closes every output exactly once.

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/golang/glog"
)

// Experiment is one configured run
type Experiment struct {
	Cfg      *ExperimentCfg
	Out      io.Writer
	Sched    *EventScheduler
	Net      *Network
	Groups   []*TrafficGroup
	Senders  []*BulkSender
	Sampler  *Sampler
	Queues   *QueueMonitor
	Progress *ProgressReporter
	FCT      *FCTTracker
	FCTFlows int
	Sink     ReportSink
	Text     *TextSink
	Summary  *RunSummary

	engines []*FairnessEngine
	closers []io.Closer
	horizon float64
	ran     bool
	closed  bool
}

// BuildExperiment creates the experiment cfg describes.  Console lines (progress,
// threshold crossings, FCT anomalies) go to out.
func BuildExperiment(cfg *ExperimentCfg, out io.Writer) (*Experiment, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.PrepareOutputDir(); err != nil {
		return nil, err
	}
	glog.Infof("scenario %s outputFilePath %s queueDiscTypeId %s tcpTypeId %s", cfg.Scenario, cfg.OutputPath,
		cfg.QueueDiscID, cfg.TransportID)

	ex := &Experiment{Cfg: cfg, Out: out, Sched: CreateEventScheduler(nil)}
	ex.Summary = CreateRunSummary(cfg)
	if err := ex.openSinks(); err != nil {
		ex.Close()
		return nil, err
	}

	var err error
	switch cfg.Scenario {
	case ConvergenceScenario:
		err = ex.buildConvergence()
	case MultiHopScenario:
		err = ex.buildMultiHop()
	case FatTreeScenario:
		err = ex.buildFatTree()
	}
	if err == nil {
		err = ex.declare()
	}
	if err != nil {
		ex.Close()
		return nil, err
	}
	ex.Summary.Horizon = ex.horizon
	return ex, nil
}

func (ex *Experiment) openSinks() error {
	ex.Text = CreateTextSink(ex.Cfg.OutputPath, "")
	sinks := MultiSink{ex.Text}
	if len(ex.Cfg.SQLitePath) > 0 {
		sqlSink, err := OpenSQLiteSink(ex.Cfg.SQLitePath, ex.Summary.RunID)
		if err != nil {
			return err
		}
		sinks = append(sinks, sqlSink)
	}
	if len(sinks) == 1 {
		ex.Sink = ex.Text
	} else {
		ex.Sink = sinks
	}
	return nil
}

// declare announces the series of every telemetry component
func (ex *Experiment) declare() error {
	if ex.Sampler != nil {
		if err := ex.Sampler.Declare(); err != nil {
			return err
		}
	}
	if ex.Queues != nil {
		if err := ex.Queues.Declare(); err != nil {
			return err
		}
	}
	return nil
}

// createNetwork builds ex.Net from td with the configured queue size
func (ex *Experiment) createNetwork(td *TopologyDesc, ecmp bool) error {
	maxPkts, err := ex.Cfg.MaxQueuePackets()
	if err != nil {
		return err
	}
	ex.Net, err = CreateNetwork(ex.Sched.EvtMgr, td, LinkDefaults{MaxPackets: maxPkts}, ecmp, ex.Cfg.Seed)
	return err
}

// attachPcap records the packets leaving link, when a pcap file is configured
func (ex *Experiment) attachPcap(link *Link) error {
	if len(ex.Cfg.PcapPath) == 0 {
		return nil
	}
	tap, err := CreatePcapTap(ex.Cfg.PcapPath)
	if err != nil {
		return err
	}
	link.AddTap(tap)
	ex.closers = append(ex.closers, tap)
	return nil
}

func (ex *Experiment) transportCfg() TransportCfg {
	return TransportCfg{TypeID: ex.Cfg.TransportID, SegmentSize: DefaultSegmentSize,
		SendBuffer: ex.Cfg.SendBuffer, InitialWindow: ex.Cfg.InitialWindow}
}

// notifier prints a threshold crossing and logs it in the summary
func (ex *Experiment) notifier() func(ThresholdCrossing) {
	console := ConsoleNotifier(ex.Out)
	return func(tc ThresholdCrossing) {
		console(tc)
		ex.Summary.AddEvent(tc.Time, CrossingEvent,
			fmt.Sprintf("%s reached %g with %.6f", tc.Series, tc.Level, tc.Fairness))
	}
}

// fairnessEngine creates an engine whose crossings go to the console and the summary
func (ex *Experiment) fairnessEngine(series string, population int) *FairnessEngine {
	fe := CreateFairnessEngine(series, population, ex.Cfg.Thresholds, ex.notifier())
	ex.engines = append(ex.engines, fe)
	return fe
}

// addFlow registers flow with the group's registry and schedules its sender.
// The registry counts the flow's bytes in both directions.
func (ex *Experiment) addFlow(reg *FlowRegistry, flow *Flow) error {
	reg.Register(flow)
	tag := FlowTag{Group: reg.Name, Index: flow.Index}
	bs, err := CreateBulkSender(ex.Net, tag, flow.Src, flow.Dst, ex.transportCfg(), flow.Size, reg)
	if err != nil {
		return err
	}
	bs.Connect(CreatePacketSink(flow.Dst, reg))

	idx := flow.Index
	bs.SetOnComplete(func(now float64) {
		if ex.FCT != nil {
			ex.FCT.OnFlowComplete(idx)
		}
		if reg.MarkComplete(idx, now) && ex.Cfg.Debug {
			ex.Summary.AddEvent(now, CompletionEvent, fmt.Sprintf("%s flow %d complete", reg.Name, idx))
		}
	})
	if ex.FCT != nil {
		ex.FCT.SetSize(idx, flow.Size)
		ex.FCT.OnFlowStart(idx, flow.Start)
		bs.SetTerminal(ex.FCT)
	}
	bs.Schedule(ex.Sched.EvtMgr, flow.Start, flow.Stop)
	ex.Senders = append(ex.Senders, bs)
	return nil
}

// Horizon is the virtual time the run stops at
func (ex *Experiment) Horizon() float64 {
	return ex.horizon
}

// Run processes events up to the horizon and completes the summary
func (ex *Experiment) Run() *RunSummary {
	if ex.ran {
		panic(fmt.Errorf("experiment %s run twice", ex.Summary.RunID))
	}
	ex.ran = true
	glog.Infof("run %s: %s until %.3f s", ex.Summary.RunID, ex.Cfg.Scenario, ex.horizon)
	ex.Sched.RunUntil(ex.horizon)
	ex.finish()
	return ex.Summary
}

// finish gathers the end-of-run results
func (ex *Experiment) finish() {
	rs := ex.Summary
	for _, fe := range ex.engines {
		rs.Crossings = append(rs.Crossings, fe.Crossings()...)
	}
	if ex.Sampler != nil && ex.Sampler.Cfg.Global != nil {
		rs.Crossings = append(rs.Crossings, ex.Sampler.Cfg.Global.Engine.Crossings()...)
	}
	for _, tg := range ex.Groups {
		rs.Flows += tg.Registry.Len()
	}
	for _, bs := range ex.Senders {
		rs.TotalAcks += bs.Acks
		rs.Losses += bs.Losses
	}
	if ex.Net != nil {
		rs.Net = ex.Net.Stats()
	}
	if ex.Queues != nil {
		rs.MaxQueueLen = ex.Queues.MaxSeen()
		rs.ReportErrs += ex.Queues.out.errors
	}
	if ex.Sampler != nil {
		rs.ReportErrs += ex.Sampler.out.errors
	}

	if ex.FCT != nil {
		recs := ex.FCT.Finalize(ex.FCTFlows)
		for _, rec := range recs {
			if rec.Anomalous {
				rs.Anomalies += 1
				rs.AddEvent(rec.End, AnomalyEvent,
					fmt.Sprintf("flow %d size %d has FCT %d us", rec.Flow, rec.Size, rec.FCTMicros))
			}
		}
		stats := FCTDistribution(recs)
		rs.FCT = &stats
		if err := WriteFCT(ex.Sink, "fct", recs); err != nil {
			rs.ReportErrs += 1
			glog.Errorf("writing FCT series: %v", err)
		}
	}
	glog.Infof("run %s done: %d acks, %d losses, %d crossings", rs.RunID, rs.TotalAcks, rs.Losses, len(rs.Crossings))
}

// SummaryPath is where Close writes the run summary
func (ex *Experiment) SummaryPath() string {
	if len(ex.Cfg.SummaryPath) > 0 {
		return ex.Cfg.SummaryPath
	}
	return filepath.Join(ex.Cfg.OutputPath, "summary.yaml")
}

// Close flushes and closes the report sinks and taps, writes the summary when the
// experiment ran, and archives it when an archive is configured.  Later calls do nothing.
func (ex *Experiment) Close() error {
	if ex.closed {
		return nil
	}
	ex.closed = true

	var errs []error
	if ex.Sink != nil {
		errs = append(errs, ex.Sink.Close())
	}
	for _, closer := range ex.closers {
		errs = append(errs, closer.Close())
	}
	if ex.ran {
		errs = append(errs, ex.Summary.WriteToFile(ex.SummaryPath()))
		if len(ex.Cfg.ArchivePath) > 0 {
			errs = append(errs, archiveSummary(ex.Cfg.ArchivePath, ex.Summary))
		}
	}
	return errors.Join(errs...)
}

func archiveSummary(dir string, rs *RunSummary) error {
	ra, err := OpenRunArchive(dir)
	if err != nil {
		return err
	}
	if err := ra.Put(rs); err != nil {
		ra.Close()
		return err
	}
	return ra.Close()
}

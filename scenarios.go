package fairsim

// scenarios.go builds the three experiments: the convergence dumbbell, the
// multi-hop parking lot with three traffic groups, and the fat-tree driven by
// topology and flow-trace files.

import (
	"fmt"

	"github.com/golang/glog"
)

// multi-hop traffic groups.  The shares are per flow, in Mbps
var multiHopGroups = []struct {
	name      string
	prefix    string
	flows     int
	idealMbps float64
	delaySlot int // first slot of the 5 ms start offsets
}{
	{name: "S1R1", prefix: "s1-r1", flows: 10, idealMbps: 50, delaySlot: 0},
	{name: "S2R2", prefix: "s2-r2", flows: 20, idealMbps: 475, delaySlot: 0},
	{name: "S3R1", prefix: "s3-r1", flows: 10, idealMbps: 50, delaySlot: 10},
}

const multiHopStartGap = 0.005

// buildConvergence is a dumbbell: N senders behind switch T1, N receivers behind T2.
// The first N-1 flows start a stagger apart, the last one joins late, and the
// question is how quickly the bottleneck T1->T2 is shared fairly again.
func (ex *Experiment) buildConvergence() error {
	cfg := ex.Cfg
	nflows := cfg.Flows

	tf := CreateTopologyFrame("dumbbell")
	names := []string{"T1", "T2"}
	for _, name := range names {
		if err := tf.AddNode(name, OtherSwitch); err != nil {
			return err
		}
	}
	for idx := 0; idx < nflows; idx++ {
		for _, name := range []string{fmt.Sprintf("S%d", idx), fmt.Sprintf("R%d", idx)} {
			if err := tf.AddNode(name, ServerNode); err != nil {
				return err
			}
		}
	}
	if err := tf.Connect("T1", "T2", cfg.BottleneckRate, cfg.LinkDelay); err != nil {
		return err
	}
	for idx := 0; idx < nflows; idx++ {
		if err := tf.Connect(fmt.Sprintf("S%d", idx), "T1", cfg.AccessRate, cfg.LinkDelay); err != nil {
			return err
		}
		if err := tf.Connect("T2", fmt.Sprintf("R%d", idx), cfg.AccessRate, cfg.LinkDelay); err != nil {
			return err
		}
	}
	td := tf.Transform()
	if err := ex.createNetwork(&td, false); err != nil {
		return err
	}
	bottleneck := ex.Net.Link("T1", "T2")

	reg := CreateFlowRegistry("S1R1", nflows)
	group := &TrafficGroup{Registry: reg, Bottleneck: true,
		Series:   map[Direction]string{RxDirection: "S1R1-throughput"},
		Fairness: ex.fairnessEngine("Jain", nflows)}
	ex.Groups = []*TrafficGroup{group}

	ex.horizon = cfg.StopTime.Seconds()
	for idx := 0; idx < nflows; idx++ {
		start := float64(idx) * cfg.FlowStagger.Seconds()
		if nflows > 1 && idx == nflows-1 {
			start = cfg.ExtraFlowStart.Seconds()
		}
		flow := &Flow{Index: idx, Src: fmt.Sprintf("S%d", idx), Dst: fmt.Sprintf("R%d", idx), Start: start}
		if err := ex.addFlow(reg, flow); err != nil {
			return err
		}
	}

	interval := cfg.MeasurementInterval.Seconds()
	ex.Sampler = CreateSampler(ex.Sched, ex.Sink, SamplerCfg{Interval: interval, Measure: RxDirection,
		CapacityBps: bottleneck.RateBps, UtilizationSeries: "bottleneck-utilization"}, ex.Groups)
	ex.Queues = CreateQueueMonitor(ex.Sched, ex.Sink, "qlen", cfg.QueueInterval.Seconds(), []QueueDisc{bottleneck})
	ex.Progress = CreateProgressReporter(ex.Sched, ex.Out, cfg.ProgressInterval.Seconds())

	ex.Sampler.Start()
	ex.Queues.Start(cfg.QueueInterval.Seconds())
	ex.Progress.Start(cfg.ProgressInterval.Seconds())
	return ex.attachPcap(bottleneck)
}

// buildMultiHop is a parking lot.  S1 and S2 senders sit behind T1, S3 senders and
// the receivers behind T2.  S1R1 and S2R2 share T1->T2, S1R1 and S3R1 share the
// access link of R1.  Each group has its own fairness series and a global index
// compares every flow against its group's fair share.
func (ex *Experiment) buildMultiHop() error {
	cfg := ex.Cfg
	tf := CreateTopologyFrame("multi-hop")
	for _, name := range []string{"T1", "T2"} {
		if err := tf.AddNode(name, OtherSwitch); err != nil {
			return err
		}
	}
	if err := tf.AddNode("R1", ServerNode); err != nil {
		return err
	}
	if err := tf.Connect("T1", "T2", cfg.BottleneckRate, cfg.LinkDelay); err != nil {
		return err
	}
	if err := tf.Connect("T2", "R1", cfg.AccessRate, cfg.LinkDelay); err != nil {
		return err
	}

	// endpoints of every flow, by group
	type endpoints struct{ src, dst string }
	plan := make(map[string][]endpoints)
	for _, grp := range multiHopGroups {
		for idx := 0; idx < grp.flows; idx++ {
			var ep endpoints
			switch grp.name {
			case "S1R1":
				ep = endpoints{src: fmt.Sprintf("S1_%d", idx), dst: "R1"}
			case "S2R2":
				ep = endpoints{src: fmt.Sprintf("S2_%d", idx), dst: fmt.Sprintf("R2_%d", idx)}
			case "S3R1":
				ep = endpoints{src: fmt.Sprintf("S3_%d", idx), dst: "R1"}
			}
			plan[grp.name] = append(plan[grp.name], ep)

			attach := "T1"
			if grp.name == "S3R1" {
				attach = "T2"
			}
			if err := tf.AddNode(ep.src, ServerNode); err != nil {
				return err
			}
			if err := tf.Connect(ep.src, attach, cfg.AccessRate, cfg.LinkDelay); err != nil {
				return err
			}
			if ep.dst != "R1" {
				if err := tf.AddNode(ep.dst, ServerNode); err != nil {
					return err
				}
				if err := tf.Connect("T2", ep.dst, cfg.AccessRate, cfg.LinkDelay); err != nil {
					return err
				}
			}
		}
	}
	td := tf.Transform()
	if err := ex.createNetwork(&td, false); err != nil {
		return err
	}

	startup := cfg.FlowStartupWindow.Seconds()
	stop := startup + cfg.ConvergenceTime.Seconds() + cfg.MeasurementWindow.Seconds()
	ex.horizon = stop

	population := 0
	for _, grp := range multiHopGroups {
		reg := CreateFlowRegistry(grp.name, grp.flows)
		ideal := grp.idealMbps
		if share, present := cfg.GroupShares[grp.name]; present {
			ideal = share
		}
		tg := &TrafficGroup{Registry: reg, IdealMbps: ideal, Bottleneck: grp.name != "S3R1",
			Series: map[Direction]string{TxDirection: grp.prefix + "-throughput",
				RxDirection: grp.prefix + "-goodput"},
			Fairness: ex.fairnessEngine(grp.prefix+"-fairness", grp.flows)}
		ex.Groups = append(ex.Groups, tg)
		population += grp.flows

		for idx, ep := range plan[grp.name] {
			start := float64(idx)*startup/float64(grp.flows) + float64(grp.delaySlot+idx)*multiHopStartGap
			flow := &Flow{Index: idx, Src: ep.src, Dst: ep.dst, Start: start, Stop: stop}
			if err := ex.addFlow(reg, flow); err != nil {
				return err
			}
		}
	}

	interval := cfg.MeasurementInterval.Seconds()
	bottleneck := ex.Net.Link("T1", "T2")
	smplrCfg := SamplerCfg{
		Interval:          interval,
		Measure:           TxDirection,
		CapacityBps:       bottleneck.RateBps,
		UtilizationSeries: "bottleneck-utilization",
		Global:            CreateGroupFairness("global-fairness", population, interval, cfg.Thresholds, ex.notifier()),
		Aggregates: []AggregateCfg{
			{Series: "t1-aggregate", Groups: []string{"S1R1", "S2R2"}},
			{Series: "r1-aggregate", Groups: []string{"S1R1", "S3R1"}},
		},
	}
	ex.Sampler = CreateSampler(ex.Sched, ex.Sink, smplrCfg, ex.Groups)
	ex.Queues = CreateQueueMonitor(ex.Sched, ex.Sink, "qlen", cfg.QueueInterval.Seconds(),
		[]QueueDisc{bottleneck, ex.Net.Link("T2", "R1")})
	ex.Progress = CreateProgressReporter(ex.Sched, ex.Out, cfg.ProgressInterval.Seconds())

	ex.Sampler.Start()
	ex.Queues.Start(cfg.QueueInterval.Seconds())
	ex.Progress.Start(cfg.ProgressInterval.Seconds())
	return ex.attachPcap(bottleneck)
}

// buildFatTree reads the topology and the flow trace, starts every flow at its
// trace time and reports flow completion times.  The queues leaving the ToR
// switches are sampled from the application start time on.
func (ex *Experiment) buildFatTree() error {
	cfg := ex.Cfg
	td, err := ReadTopology(cfg.TopologyFile)
	if err != nil {
		return err
	}
	ftd, err := ReadFlowTrace(cfg.FlowFile)
	if err != nil {
		return err
	}
	if err := ex.createNetwork(td, cfg.ECMP); err != nil {
		return err
	}

	nflows := len(ftd.Flows)
	reg := CreateFlowRegistry("flows", nflows)
	ex.Groups = []*TrafficGroup{{Registry: reg}}
	ex.FCT = CreateFCTTracker(nflows, ex.Out)
	ex.FCTFlows = nflows
	ex.horizon = cfg.StopTime.Seconds()

	late := 0
	for idx, fd := range ftd.Flows {
		if fd.Src >= len(td.Nodes) || fd.Dst >= len(td.Nodes) {
			return fmt.Errorf("flow %d of %s names node outside the topology: %w", idx, cfg.FlowFile, ErrBadConfig)
		}
		if fd.Start >= ex.horizon {
			late += 1
		}
		flow := &Flow{Index: idx, Src: TextNodeName(fd.Src), Dst: TextNodeName(fd.Dst), Size: fd.Size, Start: fd.Start}
		if err := ex.addFlow(reg, flow); err != nil {
			return err
		}
	}
	if late > 0 {
		glog.Warningf("%d of %d flows start after the stop time %.3f", late, nflows, ex.horizon)
	}

	appStart := cfg.AppStartTime.Seconds()
	var queues []QueueDisc
	for _, link := range ex.Net.LinksFrom(TorSwitch) {
		queues = append(queues, link)
	}
	ex.Queues = CreateQueueMonitor(ex.Sched, ex.Sink, "qlen", cfg.QueueInterval.Seconds(), queues)
	ex.Progress = CreateProgressReporter(ex.Sched, ex.Out, cfg.ProgressInterval.Seconds())
	ex.Queues.Start(appStart)
	ex.Progress.Start(appStart)

	if len(cfg.PcapPath) > 0 {
		glog.Warningf("fat-tree has no single bottleneck, pcap %s not written", cfg.PcapPath)
	}
	return nil
}

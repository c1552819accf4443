package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/iti/fairsim"
)

const version = "0.1.0"

const usage = `Fairness and convergence experiments over a packet network.

Usage:
    fairsim run [--config=<file>] [--scenario=<name>] [--out=<dir>]
        [--tcp=<id>] [--qdisc=<id>] [--qparam=<kv>...] [--ecn]
        [--startup=<dur>] [--convergence=<dur>] [--window=<dur>] [--interval=<dur>]
        [--stop=<dur>] [--flows=<n>] [--topology=<file>] [--trace=<file>] [--ecmp]
        [--sqlite=<file>] [--pcap=<file>] [--summary=<file>] [--archive=<dir>]
        [--seed=<name>] [--debug]
    fairsim gen-trace --topology=<file> --load=<load> --duration=<dur>
        [--rate=<rate>] [--start=<t>] [--seed=<name>] [--output=<file>]
    fairsim runs --archive=<dir> [<runid>]
    fairsim -h | --help
    fairsim --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    --config=<file>         Experiment configuration, yaml or json by extension.
    --scenario=<name>       convergence, multi-hop or fat-tree.
    --out=<dir>             Directory the series files are written to.
    --tcp=<id>              Transport identifier, e.g. TcpDctcp.
    --qdisc=<id>            Queue discipline, RedQueueDisc or CebinaeQueueDisc.
    --qparam=<kv>           Queue discipline parameter key=value, repeatable.
    --ecn                   Enable ECN marking at the switches.
    --startup=<dur>         Window over which multi-hop flows start.
    --convergence=<dur>     Time allowed to converge before measuring.
    --window=<dur>          Measurement window.
    --interval=<dur>        Sampling interval.
    --stop=<dur>            Stop time of the convergence and fat-tree scenarios.
    --flows=<n>             Number of convergence flows.
    --topology=<file>       Topology text file.
    --trace=<file>          Flow trace text file.
    --ecmp                  Spread fat-tree flows over equal-cost paths.
    --sqlite=<file>         Also write every series row to a SQLite database.
    --pcap=<file>           Capture packet headers leaving the bottleneck.
    --summary=<file>        Run summary, yaml or json by extension.
    --archive=<dir>         Directory of the run-summary archive.
    --seed=<name>           Name of the random streams.
    --debug                 Log flow completions to the summary.
    --load=<load>           Offered load per server link, in (0,1].
    --duration=<dur>        Length of the generated arrival process.
    --rate=<rate>           Server link rate [default: 25Gbps].
    --start=<t>             Time of the first possible arrival [default: 2s].
    --output=<file>         Where the trace is written, stdout when omitted.
`

// splitLogArgs separates the arguments naming flags on the standard flag set, where
// glog registers -v, -logtostderr and the rest, from those handed to docopt
func splitLogArgs(args []string) (logArgs, rest []string) {
	for idx := 0; idx < len(args); idx++ {
		arg := args[idx]
		name := strings.TrimLeft(arg, "-")
		if name == arg || len(name) == 0 {
			rest = append(rest, arg)
			continue
		}
		name, _, hasValue := strings.Cut(name, "=")
		fl := flag.Lookup(name)
		if fl == nil {
			rest = append(rest, arg)
			continue
		}
		logArgs = append(logArgs, arg)
		if bf, ok := fl.Value.(interface{ IsBoolFlag() bool }); hasValue || (ok && bf.IsBoolFlag()) {
			continue
		}
		if idx+1 < len(args) {
			idx += 1
			logArgs = append(logArgs, args[idx])
		}
	}
	return logArgs, rest
}

func main() {
	logArgs, args := splitLogArgs(os.Args[1:])
	if err := flag.CommandLine.Parse(logArgs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer glog.Flush()

	opts, err := docopt.ParseArgs(usage, args, version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch {
	case optBool(opts, "run"):
		err = runExperiment(opts)
	case optBool(opts, "gen-trace"):
		err = genTrace(opts)
	case optBool(opts, "runs"):
		err = listRuns(opts)
	}
	if err != nil {
		glog.Errorf("%v", err)
		fmt.Fprintln(os.Stderr, err)
		glog.Flush()
		os.Exit(1)
	}
}

func optBool(opts docopt.Opts, key string) bool {
	val, _ := opts.Bool(key)
	return val
}

func optString(opts docopt.Opts, key string) string {
	val, _ := opts.String(key)
	return val
}

// buildCfg reads the configuration file, if any, and applies the command-line overrides
func buildCfg(opts docopt.Opts) (*fairsim.ExperimentCfg, error) {
	cfg := fairsim.CreateExperimentCfg(fairsim.ConvergenceScenario)
	if cfgFile := optString(opts, "--config"); len(cfgFile) > 0 {
		var err error
		cfg, err = fairsim.ReadExperimentCfg(cfgFile, fairsim.IsYAMLFile(cfgFile), []byte{})
		if err != nil {
			return nil, err
		}
		if len(cfg.Scenario) == 0 {
			cfg.Scenario = fairsim.ConvergenceScenario
		}
	}
	if scenario := optString(opts, "--scenario"); len(scenario) > 0 {
		cfg.Scenario = scenario
	}

	strOpts := map[string]*string{
		"--out":      &cfg.OutputPath,
		"--tcp":      &cfg.TransportID,
		"--qdisc":    &cfg.QueueDiscID,
		"--topology": &cfg.TopologyFile,
		"--trace":    &cfg.FlowFile,
		"--sqlite":   &cfg.SQLitePath,
		"--pcap":     &cfg.PcapPath,
		"--summary":  &cfg.SummaryPath,
		"--archive":  &cfg.ArchivePath,
		"--seed":     &cfg.Seed,
	}
	for key, field := range strOpts {
		if val := optString(opts, key); len(val) > 0 {
			*field = val
		}
	}

	durOpts := map[string]*fairsim.Duration{
		"--startup":     &cfg.FlowStartupWindow,
		"--convergence": &cfg.ConvergenceTime,
		"--window":      &cfg.MeasurementWindow,
		"--interval":    &cfg.MeasurementInterval,
		"--stop":        &cfg.StopTime,
	}
	for key, field := range durOpts {
		val := optString(opts, key)
		if len(val) == 0 {
			continue
		}
		dur, err := fairsim.ParseDuration(val)
		if err != nil {
			return nil, err
		}
		*field = dur
	}

	if val := optString(opts, "--flows"); len(val) > 0 {
		nflows, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("--flows %q: %w", val, fairsim.ErrBadConfig)
		}
		cfg.Flows = nflows
	}
	if optBool(opts, "--ecn") {
		cfg.EnableSwitchEcn = true
	}
	if optBool(opts, "--ecmp") {
		cfg.ECMP = true
	}
	if optBool(opts, "--debug") {
		cfg.Debug = true
	}

	qparams, _ := opts["--qparam"].([]string)
	for _, kv := range qparams {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			return nil, fmt.Errorf("queue parameter %q is not key=value: %w", kv, fairsim.ErrBadConfig)
		}
		if cfg.QueueDiscParams == nil {
			cfg.QueueDiscParams = make(map[string]string)
		}
		cfg.QueueDiscParams[key] = value
	}
	return cfg, nil
}

func runExperiment(opts docopt.Opts) error {
	cfg, err := buildCfg(opts)
	if err != nil {
		return err
	}
	ex, err := fairsim.BuildExperiment(cfg, os.Stdout)
	if err != nil {
		return err
	}
	rs := ex.Run()
	if err := ex.Close(); err != nil {
		return err
	}
	glog.Infof("run %s written to %s, summary %s", rs.RunID, cfg.OutputPath, ex.SummaryPath())
	return nil
}

func genTrace(opts docopt.Opts) error {
	td, err := fairsim.ReadTopology(optString(opts, "--topology"))
	if err != nil {
		return err
	}
	load, err := strconv.ParseFloat(optString(opts, "--load"), 64)
	if err != nil {
		return fmt.Errorf("--load: %w", fairsim.ErrBadConfig)
	}
	rate, err := fairsim.ParseDataRate(optString(opts, "--rate"))
	if err != nil {
		return err
	}
	duration, err := fairsim.ParseDuration(optString(opts, "--duration"))
	if err != nil {
		return err
	}
	start, err := fairsim.ParseDuration(optString(opts, "--start"))
	if err != nil {
		return err
	}
	seed := optString(opts, "--seed")
	if len(seed) == 0 {
		seed = "fairsim/trace"
	}

	ftd, err := fairsim.GenerateFlowTrace(td, fairsim.GenCfg{Load: load, LinkBps: rate, Start: start.Seconds(),
		Duration: duration.Seconds(), Seed: seed, PG: 3, DstPort: 100})
	if err != nil {
		return err
	}
	if output := optString(opts, "--output"); len(output) > 0 {
		return ftd.WriteToFile(output)
	}
	return ftd.Write(os.Stdout)
}

func listRuns(opts docopt.Opts) error {
	ra, err := fairsim.OpenRunArchive(optString(opts, "--archive"))
	if err != nil {
		return err
	}
	defer ra.Close()

	if runID := optString(opts, "<runid>"); len(runID) > 0 {
		rs, err := ra.Get(runID)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s horizon %.3f flows %d acks %d losses %d\n", rs.RunID, rs.Scenario, rs.Horizon,
			rs.Flows, rs.TotalAcks, rs.Losses)
		for _, tc := range rs.Crossings {
			fmt.Printf("  %s %g at %.3f\n", tc.Series, tc.Level, tc.Time)
		}
		return nil
	}
	ids, err := ra.RunIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

package fairsim

// exp-cfg.go describes an experiment run.  An ExperimentCfg is read from a yaml or
// json file (chosen by extension), overridden from the command line, filled with
// the defaults of its scenario and validated before any simulation state is built.
//
// Queue-discipline selection is a closed set.  The selected id and its tuning
// parameters are recorded with the run; the queues in the network are drop-tail
// FIFOs whose capacity comes from the MaxSize parameter.

import (
	"encoding/json"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownQueueDisc reports a queue-discipline id outside the supported set
	ErrUnknownQueueDisc = errors.New("unsupported queueDisc")

	// ErrBadConfig reports any other malformed configuration or input file
	ErrBadConfig = errors.New("bad configuration")

	// ErrOutputDir reports a failure to create the output directory
	ErrOutputDir = errors.New("cannot create output directory")
)

// QueueDiscIDs is the closed set of queue disciplines an experiment may select
var QueueDiscIDs = []string{"RedQueueDisc", "CebinaeQueueDisc"}

// Scenario names
const (
	ConvergenceScenario = "convergence"
	MultiHopScenario    = "multi-hop"
	FatTreeScenario     = "fat-tree"
)

var Scenarios = []string{ConvergenceScenario, MultiHopScenario, FatTreeScenario}

// Duration is a span of virtual time in seconds.  In files it is written in Go
// duration syntax ("100ms", "1048576ns") or as a bare number of seconds.
type Duration float64

// ParseDuration accepts either form
func ParseDuration(str string) (Duration, error) {
	str = strings.TrimSpace(str)
	if secs, err := strconv.ParseFloat(str, 64); err == nil {
		return Duration(secs), nil
	}
	dur, err := time.ParseDuration(str)
	if err != nil {
		return 0, errors.Wrapf(ErrBadConfig, "duration %q: %v", str, err)
	}
	return Duration(dur.Seconds()), nil
}

// Seconds returns the span as a float
func (dur Duration) Seconds() float64 {
	return float64(dur)
}

func (dur Duration) String() string {
	return time.Duration(float64(dur) * 1e9).String()
}

func (dur Duration) MarshalYAML() (any, error) {
	return dur.String(), nil
}

func (dur *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*dur = parsed
	return nil
}

func (dur Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(dur.String())
}

func (dur *Duration) UnmarshalJSON(bytes []byte) error {
	var str string
	if err := json.Unmarshal(bytes, &str); err != nil {
		// a bare number
		str = string(bytes)
	}
	parsed, err := ParseDuration(str)
	if err != nil {
		return err
	}
	*dur = parsed
	return nil
}

// ExperimentCfg holds every parameter of a run
type ExperimentCfg struct {
	Scenario    string `json:"scenario" yaml:"scenario"`
	OutputPath  string `json:"outputpath" yaml:"outputpath"`
	TransportID string `json:"tcptypeid" yaml:"tcptypeid"`
	QueueDiscID string `json:"queuedisctypeid" yaml:"queuedisctypeid"`

	EnableSwitchEcn bool `json:"enableswitchecn" yaml:"enableswitchecn"`
	Debug           bool `json:"debug" yaml:"debug"`

	FlowStartupWindow   Duration `json:"flowstartupwindow" yaml:"flowstartupwindow"`
	ConvergenceTime     Duration `json:"convergencetime" yaml:"convergencetime"`
	MeasurementWindow   Duration `json:"measurementwindow" yaml:"measurementwindow"`
	MeasurementInterval Duration `json:"measurementinterval" yaml:"measurementinterval"`
	ProgressInterval    Duration `json:"progressinterval" yaml:"progressinterval"`
	QueueInterval       Duration `json:"queueinterval" yaml:"queueinterval"`

	// StopTime is the run horizon for the convergence and fat-tree scenarios; multi-hop
	// derives its horizon from the startup, convergence and measurement windows
	StopTime Duration `json:"stoptime" yaml:"stoptime"`

	// convergence dumbbell
	Flows          int      `json:"flows" yaml:"flows"`
	FlowStagger    Duration `json:"flowstagger" yaml:"flowstagger"`
	ExtraFlowStart Duration `json:"extraflowstart" yaml:"extraflowstart"`

	// fat-tree
	AppStartTime Duration `json:"appstarttime" yaml:"appstarttime"`
	TopologyFile string   `json:"topologyfile" yaml:"topologyfile"`
	FlowFile     string   `json:"flowfile" yaml:"flowfile"`
	ECMP         bool     `json:"ecmp" yaml:"ecmp"`

	// link and transport parameters; empty strings and zeros take the scenario default
	AccessRate     string `json:"accessrate" yaml:"accessrate"`
	BottleneckRate string `json:"bottleneckrate" yaml:"bottleneckrate"`
	LinkDelay      string `json:"linkdelay" yaml:"linkdelay"`
	SendBuffer     int    `json:"sendbuffer" yaml:"sendbuffer"`
	InitialWindow  int    `json:"initialwindow" yaml:"initialwindow"`

	Thresholds []float64 `json:"thresholds" yaml:"thresholds"`

	// QueueDiscParams are forwarded to the queue discipline untouched, except MaxSize
	// ("2666p") which sizes the FIFOs
	QueueDiscParams map[string]string `json:"queuediscparams" yaml:"queuediscparams"`

	// GroupShares overrides the per-flow fair share (Mbps) of multi-hop traffic groups
	GroupShares map[string]float64 `json:"groupshares" yaml:"groupshares"`

	SQLitePath  string `json:"sqlitepath" yaml:"sqlitepath"`
	PcapPath    string `json:"pcappath" yaml:"pcappath"`
	SummaryPath string `json:"summarypath" yaml:"summarypath"`
	ArchivePath string `json:"archivepath" yaml:"archivepath"`
	Seed        string `json:"seed" yaml:"seed"`
}

// CreateExperimentCfg returns a configuration for scenario with nothing else set
func CreateExperimentCfg(scenario string) *ExperimentCfg {
	return &ExperimentCfg{Scenario: scenario, QueueDiscParams: make(map[string]string),
		GroupShares: make(map[string]float64)}
}

// ReadExperimentCfg deserializes an ExperimentCfg.  If dict is empty the named file is
// read to get the bytes.
func ReadExperimentCfg(filename string, useYAML bool, dict []byte) (*ExperimentCfg, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, errors.Wrapf(ErrBadConfig, "read %s: %v", filename, err)
		}
	}

	example := ExperimentCfg{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrBadConfig, "decode %s: %v", filename, err)
	}
	return &example, nil
}

// IsYAMLFile tells from a file's extension whether it holds yaml
func IsYAMLFile(filename string) bool {
	pathExt := path.Ext(filename)
	return pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml"
}

// WriteToFile stores the configuration as yaml or json, by the file's extension
func (ec *ExperimentCfg) WriteToFile(filename string) error {
	return writeDescFile(filename, ec)
}

// writeDescFile serializes desc by the extension of filename
func writeDescFile(filename string, desc any) error {
	var bytes []byte
	var merr error
	if IsYAMLFile(filename) {
		bytes, merr = yaml.Marshal(desc)
	} else {
		bytes, merr = json.MarshalIndent(desc, "", "\t")
	}
	if merr != nil {
		return errors.Wrapf(merr, "encode %s", filename)
	}
	if err := os.WriteFile(filename, bytes, 0644); err != nil {
		return errors.Wrapf(err, "write %s", filename)
	}
	return nil
}

// parameters of the queue disciplines, with their defaults
var queueDiscDefaults = map[string]map[string]string{
	"RedQueueDisc": {"MaxSize": "2666p", "MinTh": "20", "MaxTh": "60", "QW": "1",
		"MeanPktSize": "1500", "UseHardDrop": "false"},
	"CebinaeQueueDisc": {"MaxSize": "2666p", "dT": "1048576ns", "vdT": "1024ns", "L": "65536ns",
		"P": "1", "tau": "0.05", "delta_port": "0.05", "delta_flow": "0.05", "pool": "true",
		"enableECN": "true"},
}

// ApplyDefaults fills every unset field with the default of the scenario
func (ec *ExperimentCfg) ApplyDefaults() {
	setStr := func(field *string, dflt string) {
		if len(*field) == 0 {
			*field = dflt
		}
	}
	setDur := func(field *Duration, dflt float64) {
		if *field == 0 {
			*field = Duration(dflt)
		}
	}
	setInt := func(field *int, dflt int) {
		if *field == 0 {
			*field = dflt
		}
	}

	setStr(&ec.OutputPath, ".")
	setStr(&ec.TransportID, "TcpDctcp")
	setStr(&ec.QueueDiscID, "RedQueueDisc")
	ec.QueueDiscID = strings.TrimPrefix(ec.QueueDiscID, "ns3::")
	setStr(&ec.LinkDelay, "10us")
	setStr(&ec.Seed, "fairsim")
	setInt(&ec.SendBuffer, 1<<20)
	setInt(&ec.InitialWindow, 10)
	if len(ec.Thresholds) == 0 {
		ec.Thresholds = slices.Clone(DefaultThresholds)
	}

	switch ec.Scenario {
	case ConvergenceScenario:
		setInt(&ec.Flows, 5)
		setStr(&ec.AccessRate, "25Gbps")
		setStr(&ec.BottleneckRate, "25Gbps")
		setDur(&ec.StopTime, 0.15)
		setDur(&ec.FlowStagger, 0.001)
		setDur(&ec.ExtraFlowStart, 0.1)
		setDur(&ec.MeasurementInterval, 0.001)
		setDur(&ec.ProgressInterval, 0.01)
	case MultiHopScenario:
		setStr(&ec.AccessRate, "1Gbps")
		setStr(&ec.BottleneckRate, "10Gbps")
		setDur(&ec.FlowStartupWindow, 1.0)
		setDur(&ec.ConvergenceTime, 3.0)
		setDur(&ec.MeasurementWindow, 1.0)
		setDur(&ec.MeasurementInterval, 0.01)
		setDur(&ec.ProgressInterval, 0.1)
	case FatTreeScenario:
		setStr(&ec.TopologyFile, "fat-tree.txt")
		setStr(&ec.FlowFile, "websearch-30-25G.txt")
		setDur(&ec.AppStartTime, 2.0)
		setDur(&ec.StopTime, 5.0)
		setDur(&ec.MeasurementInterval, 0.001)
		setDur(&ec.ProgressInterval, 0.1)
	}
	setDur(&ec.QueueInterval, ec.MeasurementInterval.Seconds())

	if ec.QueueDiscParams == nil {
		ec.QueueDiscParams = make(map[string]string)
	}
	for key, value := range queueDiscDefaults[ec.QueueDiscID] {
		if _, present := ec.QueueDiscParams[key]; !present {
			ec.QueueDiscParams[key] = value
		}
	}
}

// Validate checks the configuration.  Errors wrap ErrUnknownQueueDisc or ErrBadConfig
func (ec *ExperimentCfg) Validate() error {
	qd := strings.TrimPrefix(ec.QueueDiscID, "ns3::")
	if !slices.Contains(QueueDiscIDs, qd) {
		return errors.Wrapf(ErrUnknownQueueDisc, "%q", ec.QueueDiscID)
	}
	ec.QueueDiscID = qd

	if !slices.Contains(Scenarios, ec.Scenario) {
		return errors.Wrapf(ErrBadConfig, "unknown scenario %q", ec.Scenario)
	}
	positive := map[string]Duration{"measurementInterval": ec.MeasurementInterval,
		"progressInterval": ec.ProgressInterval, "queueInterval": ec.QueueInterval}
	if ec.Scenario == MultiHopScenario {
		positive["measurementWindow"] = ec.MeasurementWindow
	} else {
		positive["stopTime"] = ec.StopTime
	}
	for name, dur := range positive {
		if !(dur > 0) {
			return errors.Wrapf(ErrBadConfig, "%s must be positive, got %s", name, dur)
		}
	}
	if ec.Scenario == ConvergenceScenario && ec.Flows < 1 {
		return errors.Wrapf(ErrBadConfig, "convergence needs at least one flow, got %d", ec.Flows)
	}
	for _, th := range ec.Thresholds {
		if !(th > 0 && th <= 1) {
			return errors.Wrapf(ErrBadConfig, "threshold %g outside (0, 1]", th)
		}
	}
	for _, rate := range []string{ec.AccessRate, ec.BottleneckRate} {
		if len(rate) == 0 {
			continue
		}
		if _, err := ParseDataRate(rate); err != nil {
			return err
		}
	}
	delay, err := ParseDuration(ec.LinkDelay)
	if err != nil {
		return err
	}
	if delay < 0 {
		return errors.Wrapf(ErrBadConfig, "negative link delay %s", ec.LinkDelay)
	}
	if _, err := ec.MaxQueuePackets(); err != nil {
		return err
	}
	return nil
}

// MaxQueuePackets decodes the MaxSize queue parameter, "<n>p"
func (ec *ExperimentCfg) MaxQueuePackets() (int, error) {
	str, present := ec.QueueDiscParams["MaxSize"]
	if !present {
		return DefaultMaxPackets, nil
	}
	npkts, err := strconv.Atoi(strings.TrimSuffix(str, "p"))
	if err != nil || npkts < 1 {
		return 0, errors.Wrapf(ErrBadConfig, "queue MaxSize %q is not a packet count", str)
	}
	return npkts, nil
}

// PrepareOutputDir creates the output directory.  Errors wrap ErrOutputDir
func (ec *ExperimentCfg) PrepareOutputDir() error {
	if err := os.MkdirAll(ec.OutputPath, 0755); err != nil {
		return errors.Wrapf(ErrOutputDir, "%s: %v", ec.OutputPath, err)
	}
	return nil
}

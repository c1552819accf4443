package fairsim

// trace.go holds the RunSummary, the record of one run that is written next to its
// series files: the run's identity and configuration, the threshold crossings of
// every fairness series, the FCT distribution, network counters and a log of
// notable events.

import (
	"encoding/json"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EventRecordType classifies the entries of the event log
type EventRecordType int

const (
	CrossingEvent EventRecordType = iota
	CompletionEvent
	AnomalyEvent
)

var ertToStr = map[EventRecordType]string{CrossingEvent: "crossing", CompletionEvent: "completion",
	AnomalyEvent: "anomaly"}

// EventRecord is an entry of the event log
type EventRecord struct {
	Time float64 `json:"time" yaml:"time"`
	Type string  `json:"type" yaml:"type"`
	Text string  `json:"text" yaml:"text"`
}

// RunSummary describes a finished run
type RunSummary struct {
	RunID    string    `json:"runid" yaml:"runid"`
	Started  time.Time `json:"started" yaml:"started"`
	Scenario string    `json:"scenario" yaml:"scenario"`

	Cfg *ExperimentCfg `json:"cfg" yaml:"cfg"`

	Horizon float64 `json:"horizon" yaml:"horizon"`
	Flows   int     `json:"flows" yaml:"flows"`

	Crossings []ThresholdCrossing `json:"crossings" yaml:"crossings"`
	FCT       *FCTStats           `json:"fct,omitempty" yaml:"fct,omitempty"`
	Anomalies int                 `json:"anomalies" yaml:"anomalies"`

	TotalAcks   uint64   `json:"totalacks" yaml:"totalacks"`
	Losses      uint64   `json:"losses" yaml:"losses"`
	Net         NetStats `json:"net" yaml:"net"`
	MaxQueueLen []int    `json:"maxqueuelen,omitempty" yaml:"maxqueuelen,omitempty"`
	ReportErrs  int      `json:"reporterrs" yaml:"reporterrs"`

	Events []EventRecord `json:"events" yaml:"events"`
}

// CreateRunSummary starts the summary of a run with a fresh ULID
func CreateRunSummary(cfg *ExperimentCfg) *RunSummary {
	return &RunSummary{RunID: ulid.Make().String(), Started: time.Now().UTC(), Scenario: cfg.Scenario, Cfg: cfg}
}

// AddEvent appends to the event log
func (rs *RunSummary) AddEvent(t float64, ert EventRecordType, text string) {
	rs.Events = append(rs.Events, EventRecord{Time: t, Type: ertToStr[ert], Text: text})
}

// WriteToFile stores the summary as yaml or json, by the file's extension
func (rs *RunSummary) WriteToFile(filename string) error {
	return writeDescFile(filename, rs)
}

// ReadRunSummary deserializes a RunSummary from dict, or from the named file when dict is empty
func ReadRunSummary(filename string, useYAML bool, dict []byte) (*RunSummary, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", filename)
		}
	}
	example := RunSummary{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", filename)
	}
	return &example, nil
}

package fairsim

// report.go defines the report sink the telemetry writes through, and the
// plain-text implementation that produces one whitespace-delimited file per series.
//
// A series is declared once, with a kind that fixes its column layout, and then
// receives records in time order.  The layouts are
//
//	TimeValue       time_s value                 (utilization, fairness, aggregates)
//	TimeIndexValue  time_s index value           (throughput)
//	TimeIndexCount  time_s index count           (queue length)
//	SizeValue       flow_size_bytes fct_us       (flow completion times)
//
// Times and rates are written with three decimals.  FCT values are integers
// of microseconds and may be negative.

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang/glog"
)

// SeriesKind selects the column layout of a series
type SeriesKind int

const (
	TimeValue SeriesKind = iota
	TimeIndexValue
	SizeValue
	TimeIndexCount
)

var kindToStr = map[SeriesKind]string{TimeValue: "time-value", TimeIndexValue: "time-index-value", SizeValue: "size-value",
	TimeIndexCount: "time-index-count"}

func (kind SeriesKind) String() string {
	return kindToStr[kind]
}

var defaultHeaders = map[SeriesKind]string{
	TimeValue:      "#time_s\tvalue",
	TimeIndexValue: "#time_s\tindex\tvalue",
	SizeValue:      "#flow_size_bytes\tfct_us",
	TimeIndexCount: "#time_s\tindex\tcount",
}

// SeriesDesc names a series and its layout.  An empty Header gets the kind's default
type SeriesDesc struct {
	Name   string
	Kind   SeriesKind
	Header string
}

// header returns the first line written for the series
func (sd SeriesDesc) header() string {
	if len(sd.Header) > 0 {
		return sd.Header
	}
	return defaultHeaders[sd.Kind]
}

// Record is one row.  For SizeValue series Key holds the flow size and Time is unused
type Record struct {
	Time  float64
	Key   int64
	Value float64
}

// FormatRecord renders rec in the layout of kind, without a line terminator
func FormatRecord(kind SeriesKind, rec Record) string {
	switch kind {
	case TimeValue:
		return fmt.Sprintf("%.3f %.3f", rec.Time, rec.Value)
	case TimeIndexValue:
		return fmt.Sprintf("%.3f %d %.3f", rec.Time, rec.Key, rec.Value)
	case TimeIndexCount:
		return fmt.Sprintf("%.3f %d %d", rec.Time, rec.Key, int64(rec.Value))
	case SizeValue:
		return strconv.FormatInt(rec.Key, 10) + " " + strconv.FormatFloat(rec.Value, 'f', -1, 64)
	}
	panic(fmt.Errorf("unknown series kind %d", int(kind)))
}

// ReportSink consumes the telemetry's output series
type ReportSink interface {
	Declare(series SeriesDesc) error
	Append(series string, rec Record) error
	Close() error
}

// ErrUndeclaredSeries is returned when a record names a series that was never declared
var ErrUndeclaredSeries = errors.New("series not declared")

// TextSink writes each series to <Dir>/<Prefix><name>.dat
type TextSink struct {
	Dir    string
	Prefix string
	files  map[string]*textSeries
	order  []string
	closed bool
}

type textSeries struct {
	desc SeriesDesc
	file *os.File
	wrtr *bufio.Writer
	rows int
}

// CreateTextSink is a constructor.  The directory must already exist
func CreateTextSink(dir, prefix string) *TextSink {
	return &TextSink{Dir: dir, Prefix: prefix, files: make(map[string]*textSeries)}
}

// Path returns the file a series is written to
func (ts *TextSink) Path(series string) string {
	return filepath.Join(ts.Dir, ts.Prefix+series+".dat")
}

// Declare creates the series file and writes its header
func (ts *TextSink) Declare(desc SeriesDesc) error {
	if _, present := ts.files[desc.Name]; present {
		return fmt.Errorf("series %s declared twice", desc.Name)
	}
	filePath := ts.Path(desc.Name)
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create series file '%s': %w", filePath, err)
	}
	tser := &textSeries{desc: desc, file: file, wrtr: bufio.NewWriter(file)}
	if _, err := tser.wrtr.WriteString(desc.header() + "\n"); err != nil {
		file.Close()
		return fmt.Errorf("failed to write header of '%s': %w", filePath, err)
	}
	ts.files[desc.Name] = tser
	ts.order = append(ts.order, desc.Name)
	return nil
}

// Append writes one row
func (ts *TextSink) Append(series string, rec Record) error {
	tser, present := ts.files[series]
	if !present {
		return fmt.Errorf("%s: %w", series, ErrUndeclaredSeries)
	}
	if _, err := tser.wrtr.WriteString(FormatRecord(tser.desc.Kind, rec) + "\n"); err != nil {
		return fmt.Errorf("failed to write to series %s: %w", series, err)
	}
	tser.rows += 1
	return nil
}

// Rows returns the number of records appended to a series
func (ts *TextSink) Rows(series string) int {
	tser, present := ts.files[series]
	if !present {
		return 0
	}
	return tser.rows
}

// Close flushes and closes every series file.  A second call does nothing
func (ts *TextSink) Close() error {
	if ts.closed {
		return nil
	}
	ts.closed = true
	var errs []error
	for _, name := range ts.order {
		tser := ts.files[name]
		if err := tser.wrtr.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", name, err))
		}
		if err := tser.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		glog.V(1).Infof("wrote %d rows to %s", tser.rows, ts.Path(name))
	}
	return errors.Join(errs...)
}

// MultiSink fans every call out to several sinks
type MultiSink []ReportSink

func (ms MultiSink) Declare(desc SeriesDesc) error {
	for _, sink := range ms {
		if err := sink.Declare(desc); err != nil {
			return err
		}
	}
	return nil
}

func (ms MultiSink) Append(series string, rec Record) error {
	var errs []error
	for _, sink := range ms {
		if err := sink.Append(series, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ms MultiSink) Close() error {
	var errs []error
	for _, sink := range ms {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// emitter writes through a sink from inside a scheduled callback, where there is
// nobody to return an error to.  Failures are logged and counted.
type emitter struct {
	sink   ReportSink
	errors int
}

func (em *emitter) emit(series string, rec Record) {
	if em.sink == nil {
		return
	}
	if err := em.sink.Append(series, rec); err != nil {
		em.errors += 1
		glog.Errorf("report %s: %v", series, err)
	}
}

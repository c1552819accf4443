package fairsim

import (
	"bytes"
	"database/sql"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seriesTimes returns the first column of every row of a series file
func seriesTimes(t *testing.T, path string) []float64 {
	t.Helper()
	var times []float64
	for _, line := range readLines(t, path)[1:] {
		val, err := strconv.ParseFloat(strings.Fields(line)[0], 64)
		require.NoError(t, err, line)
		times = append(times, val)
	}
	return times
}

func TestConvergenceExperiment(t *testing.T) {
	cfg := CreateExperimentCfg(ConvergenceScenario)
	cfg.OutputPath = t.TempDir()
	cfg.AccessRate = "5Gbps"
	cfg.BottleneckRate = "5Gbps"
	// 64 segments in flight per flow never overflow the bottleneck queue
	cfg.SendBuffer = 64 * DefaultSegmentSize

	var out bytes.Buffer
	ex, err := BuildExperiment(cfg, &out)
	require.NoError(t, err)
	assert.Equal(t, 0.15, ex.Horizon())
	require.Len(t, ex.Senders, 5)

	rs := ex.Run()
	assert.Panics(t, func() { ex.Run() })
	require.NoError(t, ex.Close())
	require.NoError(t, ex.Close())

	// the index needs all five flows, and the last joins at 0.1
	jainTimes := seriesTimes(t, filepath.Join(cfg.OutputPath, "Jain.dat"))
	require.NotEmpty(t, jainTimes)
	for _, tm := range jainTimes {
		assert.GreaterOrEqual(t, tm, 0.1)
	}

	require.NotEmpty(t, rs.Crossings)
	assert.Equal(t, "Jain", rs.Crossings[0].Series)
	assert.Equal(t, 0.95, rs.Crossings[0].Level)
	last := 0.1
	for _, tc := range rs.Crossings {
		assert.GreaterOrEqual(t, tc.Time, last)
		assert.GreaterOrEqual(t, tc.Fairness, tc.Level)
		last = tc.Time
	}
	assert.Contains(t, out.String(), rs.Crossings[0].String())
	assert.Contains(t, out.String(), "Progress to 0.10 seconds simulation time\n")

	assert.Equal(t, 5, rs.Flows)
	assert.Equal(t, uint64(0), rs.Losses)
	assert.Greater(t, rs.TotalAcks, uint64(0))
	assert.Zero(t, rs.ReportErrs)

	// the bottleneck is saturated, and payload is 1448 of every 1500 bytes
	util := readLines(t, filepath.Join(cfg.OutputPath, "bottleneck-utilization.dat"))
	fields := strings.Fields(util[len(util)-1])
	pct, err := strconv.ParseFloat(fields[1], 64)
	require.NoError(t, err)
	assert.InDelta(t, 96.5, pct, 1.5)

	for _, name := range []string{"S1R1-throughput.dat", "qlen.dat"} {
		assert.Greater(t, len(readLines(t, filepath.Join(cfg.OutputPath, name))), 100, name)
	}

	back, err := ReadRunSummary(ex.SummaryPath(), true, []byte{})
	require.NoError(t, err)
	assert.Equal(t, rs.RunID, back.RunID)
	assert.Equal(t, rs.Crossings, back.Crossings)
}

func TestBuildExperimentRejectsQueueDisc(t *testing.T) {
	cfg := CreateExperimentCfg(ConvergenceScenario)
	cfg.OutputPath = filepath.Join(t.TempDir(), "out")
	cfg.QueueDiscID = "ns3::FifoQueueDisc"

	_, err := BuildExperiment(cfg, &bytes.Buffer{})
	assert.True(t, errors.Is(err, ErrUnknownQueueDisc))
	_, err = os.Stat(cfg.OutputPath)
	assert.True(t, os.IsNotExist(err), "nothing written for a rejected configuration")
}

func TestMultiHopExperiment(t *testing.T) {
	cfg := CreateExperimentCfg(MultiHopScenario)
	cfg.OutputPath = t.TempDir()
	cfg.AccessRate = "100Mbps"
	cfg.BottleneckRate = "1Gbps"
	cfg.FlowStartupWindow = 0.01
	cfg.ConvergenceTime = 0.1
	cfg.MeasurementWindow = 0.02
	cfg.MeasurementInterval = 0.01
	cfg.GroupShares["S3R1"] = 40

	var out bytes.Buffer
	ex, err := BuildExperiment(cfg, &out)
	require.NoError(t, err)
	assert.InDelta(t, 0.13, ex.Horizon(), 1e-12)
	require.Len(t, ex.Groups, 3)
	assert.Equal(t, 40.0, ex.Groups[2].IdealMbps)
	assert.False(t, ex.Groups[2].Bottleneck)

	rs := ex.Run()
	require.NoError(t, ex.Close())
	assert.Equal(t, 40, rs.Flows)
	assert.Len(t, rs.MaxQueueLen, 2)
	assert.Contains(t, out.String(), "Progress to 0.10 seconds simulation time\n")

	for _, name := range []string{"s1-r1-throughput", "s2-r2-goodput", "s3-r1-throughput", "global-fairness",
		"t1-aggregate", "r1-aggregate", "bottleneck-utilization", "qlen"} {
		_, err := os.Stat(filepath.Join(cfg.OutputPath, name+".dat"))
		assert.NoError(t, err, name)
	}
	// one aggregate row per tick
	aggTimes := seriesTimes(t, filepath.Join(cfg.OutputPath, "t1-aggregate.dat"))
	assert.GreaterOrEqual(t, len(aggTimes), 12)
	assert.InDelta(t, 0.01, aggTimes[0], 1e-9)

	_, err = os.Stat(ex.SummaryPath())
	assert.NoError(t, err)
}

// fatTreeFiles writes the small topology and a three-flow trace under dir
func fatTreeFiles(t *testing.T, dir string) (string, string) {
	t.Helper()
	topoFile := filepath.Join(dir, "topo.txt")
	require.NoError(t, os.WriteFile(topoFile, []byte(smallTopology), 0644))
	ftd := &FlowTraceDesc{Flows: []FlowDesc{
		{Src: 0, Dst: 2, PG: 3, DstPort: 100, Size: 50000, Start: 0.01},
		{Src: 1, Dst: 2, PG: 3, DstPort: 101, Size: 100000, Start: 0.012},
		{Src: 2, Dst: 0, PG: 3, DstPort: 102, Size: 1448, Start: 0.02},
	}}
	flowFile := filepath.Join(dir, "flow.txt")
	require.NoError(t, ftd.WriteToFile(flowFile))
	return topoFile, flowFile
}

func TestFatTreeExperiment(t *testing.T) {
	dir := t.TempDir()
	cfg := CreateExperimentCfg(FatTreeScenario)
	cfg.OutputPath = filepath.Join(dir, "out")
	cfg.TopologyFile, cfg.FlowFile = fatTreeFiles(t, dir)
	cfg.AppStartTime = 0.01
	cfg.StopTime = 0.1
	cfg.SQLitePath = filepath.Join(dir, "series.db")
	cfg.ArchivePath = filepath.Join(dir, "runs")

	var out bytes.Buffer
	ex, err := BuildExperiment(cfg, &out)
	require.NoError(t, err)
	rs := ex.Run()
	require.NoError(t, ex.Close())

	require.NotNil(t, rs.FCT)
	assert.Equal(t, 3, rs.FCT.Count)
	assert.Zero(t, rs.FCT.Unfinished)
	assert.Zero(t, rs.Anomalies)
	// one progress line and no anomaly lines
	assert.Equal(t, "Progress to 0.01 seconds simulation time\n", out.String())

	lines := readLines(t, filepath.Join(cfg.OutputPath, "fct.dat"))
	require.Len(t, lines, 4)
	var sizes []string
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		require.Len(t, fields, 2)
		sizes = append(sizes, fields[0])
		fct, err := strconv.ParseFloat(fields[1], 64)
		require.NoError(t, err)
		assert.Greater(t, fct, 0.0)
	}
	assert.Equal(t, []string{"50000", "100000", "1448"}, sizes)

	// the queues leaving the two rack switches are sampled from the application start
	qlenTimes := seriesTimes(t, filepath.Join(cfg.OutputPath, "qlen.dat"))
	require.NotEmpty(t, qlenTimes)
	assert.InDelta(t, 0.01, qlenTimes[0], 1e-9)
	assert.Len(t, rs.MaxQueueLen, 5)

	db, err := sql.Open("sqlite3", cfg.SQLitePath)
	require.NoError(t, err)
	defer db.Close()
	var total int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM samples WHERE run = ?`, rs.RunID).Scan(&total))
	assert.Equal(t, len(qlenTimes)+3, total)

	ra, err := OpenRunArchive(cfg.ArchivePath)
	require.NoError(t, err)
	defer ra.Close()
	back, err := ra.Get(rs.RunID)
	require.NoError(t, err)
	assert.Equal(t, FatTreeScenario, back.Scenario)
	assert.Equal(t, 3, back.Flows)
}

func TestFatTreeHorizonCutsOffFlow(t *testing.T) {
	dir := t.TempDir()
	cfg := CreateExperimentCfg(FatTreeScenario)
	cfg.OutputPath = filepath.Join(dir, "out")
	cfg.TopologyFile, _ = fatTreeFiles(t, dir)
	ftd := &FlowTraceDesc{Flows: []FlowDesc{
		{Src: 0, Dst: 2, PG: 3, DstPort: 100, Size: 50000, Start: 0.01},
		{Src: 1, Dst: 2, PG: 3, DstPort: 101, Size: 100000, Start: 0.0995},
		{Src: 2, Dst: 0, PG: 3, DstPort: 102, Size: 1448, Start: 0.02},
	}}
	// 100000 bytes need more than 0.8 ms on a 1Gbps server link
	cfg.FlowFile = filepath.Join(dir, "late-flow.txt")
	require.NoError(t, ftd.WriteToFile(cfg.FlowFile))
	cfg.AppStartTime = 0.01
	cfg.StopTime = 0.1

	ex, err := BuildExperiment(cfg, &bytes.Buffer{})
	require.NoError(t, err)
	rs := ex.Run()
	require.NoError(t, ex.Close())

	require.NotNil(t, rs.FCT)
	assert.Equal(t, 2, rs.FCT.Count)
	assert.Equal(t, 1, rs.FCT.Unfinished)
	assert.Zero(t, rs.FCT.Anomalies)
	assert.False(t, ex.Senders[1].Done())

	// the cut-off flow is still written, but the distribution only holds the other two
	lines := readLines(t, filepath.Join(cfg.OutputPath, "fct.dat"))
	require.Len(t, lines, 4)
	var done []float64
	for _, line := range []string{lines[1], lines[3]} {
		fct, err := strconv.ParseFloat(strings.Fields(line)[1], 64)
		require.NoError(t, err)
		done = append(done, fct)
	}
	assert.Equal(t, math.Max(done[0], done[1]), rs.FCT.Max)
}

func TestFatTreeRejectsUnknownNode(t *testing.T) {
	dir := t.TempDir()
	cfg := CreateExperimentCfg(FatTreeScenario)
	cfg.OutputPath = filepath.Join(dir, "out")
	cfg.TopologyFile, _ = fatTreeFiles(t, dir)
	ftd := &FlowTraceDesc{Flows: []FlowDesc{{Src: 0, Dst: 9, PG: 3, DstPort: 100, Size: 10, Start: 2}}}
	cfg.FlowFile = filepath.Join(dir, "bad-flow.txt")
	require.NoError(t, ftd.WriteToFile(cfg.FlowFile))

	_, err := BuildExperiment(cfg, &bytes.Buffer{})
	assert.True(t, errors.Is(err, ErrBadConfig))
}

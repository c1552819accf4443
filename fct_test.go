package fairsim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFCTMicros(t *testing.T) {
	assert.Equal(t, int64(100), FCTMicros(0.000100, 0.000200))
	assert.Equal(t, int64(1500), FCTMicros(2.0, 2.0015))
	assert.Equal(t, int64(-2000000), FCTMicros(2.0, 0.0))
	assert.Equal(t, int64(523), FCTMicros(2.000000, 2.000523))
}

func TestFCTTrackerFinalize(t *testing.T) {
	var anom bytes.Buffer
	ft := CreateFCTTracker(3, &anom)
	for idx, size := range []uint64{1448, 20000, 50000} {
		ft.SetSize(idx, size)
		ft.OnFlowStart(idx, 2.0+float64(idx)*0.001)
	}
	ft.OnFlowRxTerminal(0, 2.0001)
	ft.OnFlowRxTerminal(1, 2.0009)
	ft.OnFlowRxTerminal(1, 2.0030) // the last signal wins
	ft.OnFlowComplete(0)
	ft.OnFlowComplete(1)

	recs := ft.Finalize(3)
	require.Len(t, recs, 3)

	assert.Equal(t, int64(100), recs[0].FCTMicros)
	assert.True(t, recs[0].Finished)
	assert.Equal(t, int64(2000), recs[1].FCTMicros)
	assert.False(t, recs[1].Anomalous)

	// never acknowledged: end stays zero and the FCT is negative
	assert.False(t, recs[2].Finished)
	assert.True(t, recs[2].Anomalous)
	assert.Equal(t, int64(-2002000), recs[2].FCTMicros)
	assert.Equal(t, "2 50000 2002000 0\n", anom.String())
}

func TestFCTTrackerTruncatedFlow(t *testing.T) {
	ft := CreateFCTTracker(2, nil)
	ft.SetSize(0, 1448)
	ft.OnFlowStart(0, 0.01)
	ft.OnFlowRxTerminal(0, 0.0102)
	ft.OnFlowComplete(0)

	// acknowledged in part before the horizon
	ft.SetSize(1, 100000)
	ft.OnFlowStart(1, 0.099)
	ft.OnFlowRxTerminal(1, 0.0995)
	ft.OnFlowRxTerminal(1, 0.0998)

	recs := ft.Finalize(2)
	assert.True(t, recs[0].Finished)
	assert.False(t, recs[1].Finished)
	assert.False(t, recs[1].Anomalous)
	assert.Equal(t, int64(800), recs[1].FCTMicros)

	fs := FCTDistribution(recs)
	assert.Equal(t, 1, fs.Count)
	assert.Equal(t, 1, fs.Unfinished)
	assert.Zero(t, fs.Anomalies)
	assert.Equal(t, 200.0, fs.Max)
	assert.Equal(t, 200.0, fs.P99)
}

func TestFCTDistributionUnfinishedBeforeAnomalous(t *testing.T) {
	// never acknowledged and started after zero: negative, but unfinished first
	recs := []FCTRecord{
		{Flow: 0, FCTMicros: -2002000, Anomalous: true},
		{Flow: 1, FCTMicros: 40, Finished: true},
	}
	fs := FCTDistribution(recs)
	assert.Equal(t, 1, fs.Unfinished)
	assert.Zero(t, fs.Anomalies)
	assert.Equal(t, 1, fs.Count)
}

func TestFCTTrackerChecksIndex(t *testing.T) {
	ft := CreateFCTTracker(2, nil)
	assert.Panics(t, func() { ft.OnFlowStart(2, 0) })
	assert.Panics(t, func() { ft.OnFlowRxTerminal(-1, 0) })
	assert.Panics(t, func() { ft.OnFlowComplete(2) })
	assert.Panics(t, func() { ft.Finalize(3) })
}

func TestWriteFCT(t *testing.T) {
	sink := newMemSink()
	recs := []FCTRecord{{Flow: 0, Size: 1448, FCTMicros: 12}, {Flow: 1, Size: 9, FCTMicros: -5, Anomalous: true}}
	require.NoError(t, WriteFCT(sink, "fct", recs))

	assert.Equal(t, SizeValue, sink.descs["fct"].Kind)
	rows := sink.rows["fct"]
	require.Len(t, rows, 2)
	assert.Equal(t, "1448 12", FormatRecord(SizeValue, rows[0]))
	assert.Equal(t, "9 -5", FormatRecord(SizeValue, rows[1]), "anomalies are still reported")
}

func TestFCTDistribution(t *testing.T) {
	var recs []FCTRecord
	for idx := 1; idx <= 100; idx++ {
		recs = append(recs, FCTRecord{Flow: idx, FCTMicros: int64(idx), Finished: true})
	}
	recs = append(recs, FCTRecord{FCTMicros: -3, Finished: true, Anomalous: true})
	recs = append(recs, FCTRecord{FCTMicros: 0})

	fs := FCTDistribution(recs)
	assert.Equal(t, 100, fs.Count)
	assert.Equal(t, 1, fs.Anomalies)
	assert.Equal(t, 1, fs.Unfinished)
	assert.InDelta(t, 50.5, fs.Mean, 1e-9)
	assert.Equal(t, 50.0, fs.P50)
	assert.Equal(t, 95.0, fs.P95)
	assert.Equal(t, 99.0, fs.P99)
	assert.Equal(t, 100.0, fs.Max)

	empty := FCTDistribution(nil)
	assert.Equal(t, 0, empty.Count)
	assert.Equal(t, 0.0, empty.Mean)
}

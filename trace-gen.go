package fairsim

// trace-gen.go generates flow traces for a topology.  Flows arrive as a Poisson
// process whose rate puts the requested load on the servers' access links, each
// flow between two distinct servers chosen uniformly, with a size drawn from an
// empirical CDF.  Random numbers come from an rngstream stream named by the seed.

import (
	"fmt"
	"math"

	"github.com/iti/rngstream"
)

// CDFPoint is one step of an empirical size distribution
type CDFPoint struct {
	Size uint64
	Prob float64
}

// WebSearchCDF is the flow-size distribution of the web-search workload
var WebSearchCDF = []CDFPoint{
	{0, 0.0}, {10000, 0.15}, {20000, 0.2}, {30000, 0.3}, {50000, 0.4}, {80000, 0.53},
	{200000, 0.6}, {1000000, 0.7}, {2000000, 0.8}, {5000000, 0.9}, {10000000, 0.97},
	{30000000, 1.0},
}

// GenCfg parameterizes GenerateFlowTrace
type GenCfg struct {
	Load     float64 // offered load per server access link, in (0, 1]
	LinkBps  float64 // access link rate of a server
	Start    float64 // time of the first possible arrival
	Duration float64 // arrivals are generated in [Start, Start+Duration)
	CDF      []CDFPoint
	Seed     string
	PG       int // priority group written with every flow
	DstPort  int // first destination port, incremented per flow
}

// round computed times so the text form reads back to the same value
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// expRV returns a sample of an exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// CDFMean is the mean size of a piecewise-linear CDF
func CDFMean(cdf []CDFPoint) float64 {
	var mean float64
	for idx := 1; idx < len(cdf); idx++ {
		mid := float64(cdf[idx].Size+cdf[idx-1].Size) / 2
		mean += mid * (cdf[idx].Prob - cdf[idx-1].Prob)
	}
	return mean
}

// sampleCDF inverts a piecewise-linear CDF at u01
func sampleCDF(cdf []CDFPoint, u01 float64) uint64 {
	for idx := 1; idx < len(cdf); idx++ {
		if u01 > cdf[idx].Prob {
			continue
		}
		lo, hi := cdf[idx-1], cdf[idx]
		if hi.Prob == lo.Prob {
			return hi.Size
		}
		frac := (u01 - lo.Prob) / (hi.Prob - lo.Prob)
		return lo.Size + uint64(math.Round(frac*float64(hi.Size-lo.Size)))
	}
	return cdf[len(cdf)-1].Size
}

func checkCDF(cdf []CDFPoint) error {
	if len(cdf) < 2 {
		return fmt.Errorf("size CDF needs at least two points: %w", ErrBadConfig)
	}
	for idx := 1; idx < len(cdf); idx++ {
		if cdf[idx].Size < cdf[idx-1].Size || cdf[idx].Prob < cdf[idx-1].Prob {
			return fmt.Errorf("size CDF is not monotone at point %d: %w", idx, ErrBadConfig)
		}
	}
	if cdf[len(cdf)-1].Prob != 1.0 {
		return fmt.Errorf("size CDF ends at %g, not 1: %w", cdf[len(cdf)-1].Prob, ErrBadConfig)
	}
	return nil
}

// GenerateFlowTrace draws a flow trace over the servers of td
func GenerateFlowTrace(td *TopologyDesc, cfg GenCfg) (*FlowTraceDesc, error) {
	if len(cfg.CDF) == 0 {
		cfg.CDF = WebSearchCDF
	}
	if err := checkCDF(cfg.CDF); err != nil {
		return nil, err
	}
	if !(cfg.Load > 0 && cfg.Load <= 1) || !(cfg.LinkBps > 0) || !(cfg.Duration > 0) {
		return nil, fmt.Errorf("generator needs load in (0,1], positive link rate and duration: %w", ErrBadConfig)
	}

	var servers []int
	for idx, nd := range td.Nodes {
		if nd.Kind == ServerNode.String() {
			servers = append(servers, idx)
		}
	}
	if len(servers) < 2 {
		return nil, fmt.Errorf("topology %s has %d servers, need two: %w", td.Name, len(servers), ErrBadConfig)
	}

	// arrivals per second over the whole set of servers
	meanBits := CDFMean(cfg.CDF) * 8
	rate := cfg.Load * cfg.LinkBps * float64(len(servers)) / meanBits

	rng := rngstream.New(cfg.Seed)
	ftd := &FlowTraceDesc{}
	now := cfg.Start
	for {
		now += expRV(rng.RandU01(), rate)
		if now >= cfg.Start+cfg.Duration {
			break
		}
		srcPos := int(rng.RandU01() * float64(len(servers)))
		dstPos := int(rng.RandU01() * float64(len(servers)-1))
		srcPos = min(srcPos, len(servers)-1)
		dstPos = min(dstPos, len(servers)-2)
		if dstPos >= srcPos {
			dstPos += 1
		}
		size := max(sampleCDF(cfg.CDF, rng.RandU01()), 1)
		ftd.Flows = append(ftd.Flows, FlowDesc{Src: servers[srcPos], Dst: servers[dstPos], PG: cfg.PG,
			DstPort: cfg.DstPort + len(ftd.Flows), Size: size, Start: roundFloat(now, 9)})
	}
	return ftd, nil
}

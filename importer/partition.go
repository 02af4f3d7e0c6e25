package importer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"estate_importer/metrics"
	"estate_importer/scraper"
)

const (
	// MaxResults is the most results the source serves for one query.
	MaxResults = 1000
	// SplitThreshold is the largest total still planned by probing.
	SplitThreshold = 2000
	// ProbeFailureCount replaces a probe that failed or reported zero.
	ProbeFailureCount = 50000

	MaxSplitDepth   = 10
	MinSplitSpan    = 5000
	DefaultMaxPrice = 100_000_000

	PagesPerJob      = 10
	BandEstimate     = 500
	FallbackEstimate = 1000
)

type Strategy string

const (
	StrategySingle   Strategy = "single"
	StrategySplit    Strategy = "split"
	StrategyBands    Strategy = "bands"
	StrategyFallback Strategy = "fallback"
)

// Chunk is a price range whose result count is expected to fit under
// MaxResults. A zero bound means the query's own bound applies.
type Chunk struct {
	MinPrice int `json:"min_price"`
	MaxPrice int `json:"max_price"`
	Estimate int `json:"estimate"`
	Depth    int `json:"depth"`
}

// PageGroup is one chunk job: a chunk restricted to a page range.
type PageGroup struct {
	MinPrice  int `json:"min_price"`
	MaxPrice  int `json:"max_price"`
	StartPage int `json:"start_page"`
	EndPage   int `json:"end_page"`
	Estimate  int `json:"estimate"`
}

type Plan struct {
	Strategy   Strategy
	Total      int
	Chunks     []Chunk
	Groups     []PageGroup
	SplitCount int
	MaxDepth   int
}

func (p *Plan) Summary() string {
	return fmt.Sprintf("%s plan: %d results, %d chunks, %d jobs", p.Strategy, p.Total, len(p.Chunks), len(p.Groups))
}

// ProbeFunc returns the total result count for a query.
type ProbeFunc func(ctx context.Context, q scraper.Query) (int, error)

// Partitioner turns a query into chunks that each stay under the source's
// result cap.
type Partitioner struct {
	probe ProbeFunc
	delay time.Duration
	log   zerolog.Logger
}

func NewPartitioner(probe ProbeFunc, delay time.Duration, log zerolog.Logger) *Partitioner {
	return &Partitioner{probe: probe, delay: delay, log: log}
}

// Plan never fails: probe failures and planning errors degrade to the
// fallback plan.
func (p *Partitioner) Plan(ctx context.Context, base scraper.Query) *Plan {
	total, err := p.probe(ctx, base)
	switch {
	case err != nil:
		p.log.Warn().Err(err).Int("assumed_total", ProbeFailureCount).Msg("probe failed")
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		total = ProbeFailureCount
	case total == 0:
		// zero usually means the page was blocked, not an empty search
		p.log.Warn().Int("assumed_total", ProbeFailureCount).Msg("probe returned zero results")
		metrics.ProbesTotal.WithLabelValues("zero").Inc()
		total = ProbeFailureCount
	default:
		metrics.ProbesTotal.WithLabelValues("ok").Inc()
	}

	plan, err := p.plan(ctx, base, total)
	if err != nil || len(plan.Chunks) == 0 {
		if err == nil {
			err = errors.New("no chunks")
		}
		p.log.Warn().Err(err).Int("total", total).Msg("partitioning failed, using fallback plan")
		plan = fallbackPlan(base, total)
	}
	metrics.PlansTotal.WithLabelValues(string(plan.Strategy)).Inc()
	return plan
}

func (p *Partitioner) plan(ctx context.Context, base scraper.Query, total int) (*Plan, error) {
	if total <= MaxResults {
		return singlePlan(base, total), nil
	}

	lo, hi := priceBounds(base)
	if total <= SplitThreshold {
		return p.splitPlan(ctx, base, total, lo, hi)
	}
	return bandPlan(total, lo, hi), nil
}

func singlePlan(base scraper.Query, total int) *Plan {
	c := Chunk{MinPrice: base.MinPrice, MaxPrice: base.MaxPrice, Estimate: total}
	return &Plan{
		Strategy: StrategySingle,
		Total:    total,
		Chunks:   []Chunk{c},
		Groups:   pageGroups(c),
	}
}

func fallbackPlan(base scraper.Query, total int) *Plan {
	return &Plan{
		Strategy: StrategyFallback,
		Total:    total,
		Chunks:   []Chunk{{MinPrice: base.MinPrice, MaxPrice: base.MaxPrice, Estimate: FallbackEstimate}},
		Groups: []PageGroup{{
			MinPrice:  base.MinPrice,
			MaxPrice:  base.MaxPrice,
			StartPage: 0,
			EndPage:   scraper.MaxPageIndex,
			Estimate:  FallbackEstimate,
		}},
	}
}

type splitNode struct {
	lo, hi int
	count  int
	depth  int
}

// splitPlan bisects the price range with an explicit stack. Left halves are
// visited first so chunks come out in ascending price order.
func (p *Partitioner) splitPlan(ctx context.Context, base scraper.Query, total, lo, hi int) (*Plan, error) {
	plan := &Plan{Strategy: StrategySplit, Total: total}
	stack := []splitNode{{lo: lo, hi: hi, count: total}}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n.count <= MaxResults || n.depth >= MaxSplitDepth || n.hi-n.lo < MinSplitSpan {
			plan.Chunks = append(plan.Chunks, Chunk{
				MinPrice: n.lo,
				MaxPrice: n.hi,
				Estimate: min(n.count, MaxResults),
				Depth:    n.depth,
			})
			plan.MaxDepth = max(plan.MaxDepth, n.depth)
			continue
		}

		mid := splitPoint(n.lo, n.hi)
		left, err := p.probeRange(ctx, base, n.lo, mid)
		if err != nil {
			return nil, err
		}
		right, err := p.probeRange(ctx, base, mid+1, n.hi)
		if err != nil {
			return nil, err
		}
		plan.SplitCount++

		p.log.Debug().
			Int("min", n.lo).Int("mid", mid).Int("max", n.hi).
			Int("left", left).Int("right", right).Int("depth", n.depth).
			Msg("split price range")

		stack = append(stack,
			splitNode{lo: mid + 1, hi: n.hi, count: right, depth: n.depth + 1},
			splitNode{lo: n.lo, hi: mid, count: left, depth: n.depth + 1},
		)
	}

	for _, c := range plan.Chunks {
		plan.Groups = append(plan.Groups, pageGroups(c)...)
	}
	return plan, nil
}

func (p *Partitioner) probeRange(ctx context.Context, base scraper.Query, lo, hi int) (int, error) {
	count, err := p.probe(ctx, base.WithPrice(lo, hi))
	if err != nil {
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("probe %d-%d: %w", lo, hi, err)
	}
	metrics.ProbesTotal.WithLabelValues("ok").Inc()
	if err := sleep(ctx, p.delay); err != nil {
		return 0, err
	}
	return count, nil
}

// splitPoint cuts 40% into the range, rounded coarser as the range widens.
func splitPoint(lo, hi int) int {
	span := hi - lo
	mid := lo + int(0.4*float64(span))
	switch {
	case span > 100_000:
		mid = roundTo(mid, 10_000)
	case span > 10_000:
		mid = roundTo(mid, 1_000)
	}
	if mid <= lo {
		mid = lo + span/2
	}
	if mid >= hi {
		mid = hi - 1
	}
	return mid
}

func roundTo(n, unit int) int {
	return int(math.Round(float64(n)/float64(unit))) * unit
}

// priceBands partitions the market into contiguous bands, finest where
// listings are densest. Band i covers [priceBands[i], priceBands[i+1]-1];
// the last band runs to DefaultMaxPrice.
var priceBands = []int{
	0, 50_000, 100_000, 125_000, 150_000, 175_000, 200_000,
	215_000, 230_000, 245_000, 260_000, 275_000, 290_000, 300_000,
	315_000, 330_000, 345_000, 360_000, 375_000, 390_000, 400_000,
	415_000, 430_000, 450_000, 475_000, 500_000, 550_000, 600_000,
	650_000, 700_000, 800_000, 900_000, 1_000_000, 1_250_000,
	1_500_000, 2_000_000, 3_000_000, 5_000_000, 10_000_000,
}

func bandPlan(total, lo, hi int) *Plan {
	plan := &Plan{Strategy: StrategyBands, Total: total}
	for i, start := range priceBands {
		end := DefaultMaxPrice
		if i+1 < len(priceBands) {
			end = priceBands[i+1] - 1
		}
		cLo, cHi := max(start, lo), min(end, hi)
		if cLo > cHi {
			continue
		}
		c := Chunk{MinPrice: cLo, MaxPrice: cHi, Estimate: BandEstimate}
		plan.Chunks = append(plan.Chunks, c)
		plan.Groups = append(plan.Groups, pageGroups(c)...)
	}
	return plan
}

// pageGroups sizes a chunk into jobs of PagesPerJob pages each. Estimates
// follow the page span and never sum past the chunk's estimate.
func pageGroups(c Chunk) []PageGroup {
	pages := pagesFor(c.Estimate)
	remaining := c.Estimate

	var groups []PageGroup
	for start := 0; start < pages; start += PagesPerJob {
		end := min(start+PagesPerJob, pages) - 1
		est := min((end-start+1)*scraper.ResultsPerPage, remaining)
		remaining -= est
		groups = append(groups, PageGroup{
			MinPrice:  c.MinPrice,
			MaxPrice:  c.MaxPrice,
			StartPage: start,
			EndPage:   end,
			Estimate:  est,
		})
	}
	return groups
}

// pagesFor returns the page count needed for n results, at least one and
// at most the source's page cap.
func pagesFor(n int) int {
	pages := (n + scraper.ResultsPerPage - 1) / scraper.ResultsPerPage
	return min(max(pages, 1), scraper.MaxPages)
}

// priceBounds returns the query's price range, substituting DefaultMaxPrice
// for a missing or implausible upper bound.
func priceBounds(q scraper.Query) (int, int) {
	lo, hi := max(q.MinPrice, 0), q.MaxPrice
	if hi <= lo || hi < MinSplitSpan {
		hi = DefaultMaxPrice
	}
	return lo, hi
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

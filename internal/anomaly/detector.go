// Package anomaly implements multi-method cost anomaly detection and the
// session that schedules detection runs and serves their results.
//
// Three methods score every point of a resource's daily cost series:
// robust statistics around the median, a least-squares trend forecast and a
// day-of-week pattern baseline. The strongest method wins the point; its
// baseline defines the expected value and the cost impact.
package anomaly

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/google/uuid"

	"costwatch-go/internal/domain"
)

// minSeriesPoints is the minimum partition size worth scoring. Shorter
// series have no usable baseline and would only produce noise.
const minSeriesPoints = 5

// Config tunes the detector.
type Config struct {
	// Sensitivity scales scoring aggressiveness in [0,1]. Higher values
	// promote the same deviation to a higher combined score.
	Sensitivity float64

	// Threshold is the minimum combined score an anomaly must reach.
	Threshold float64

	// Methods restricts scoring to a subset of detection methods.
	// Empty means all methods.
	Methods []domain.DetectionMethod

	// SeasonalAdjustment enables the day-of-week pattern method.
	SeasonalAdjustment bool
}

// Detector scores cost series for anomalies. It is stateless and safe for
// concurrent use.
type Detector struct {
	cfg     Config
	methods map[domain.DetectionMethod]bool
	logger  *slog.Logger
}

// NewDetector creates a detector. Sensitivity is clamped into [0,1].
func NewDetector(cfg Config, logger *slog.Logger) *Detector {
	if cfg.Sensitivity < 0 {
		cfg.Sensitivity = 0
	}
	if cfg.Sensitivity > 1 {
		cfg.Sensitivity = 1
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}

	methods := make(map[domain.DetectionMethod]bool)
	if len(cfg.Methods) == 0 {
		methods[domain.MethodStatistical] = true
		methods[domain.MethodTimeSeries] = true
		methods[domain.MethodPattern] = true
	} else {
		for _, m := range cfg.Methods {
			methods[m] = true
		}
	}

	return &Detector{cfg: cfg, methods: methods, logger: logger}
}

// methodResult is one method's verdict on a single point.
type methodResult struct {
	method   domain.DetectionMethod
	score    float64
	baseline float64
}

// Detect scores every valid point and returns the anomalies sorted by
// absolute cost impact, largest first. The result is deterministic for a
// given input: same points in, same anomalies out, identical IDs included.
// An empty or all-invalid input yields an empty, non-nil slice.
func (d *Detector) Detect(points []domain.CostPoint) []domain.Anomaly {
	anomalies := make([]domain.Anomaly, 0)

	for _, partition := range partitionByResource(points) {
		anomalies = append(anomalies, d.detectPartition(partition)...)
	}

	sort.Slice(anomalies, func(i, j int) bool {
		ai, aj := math.Abs(anomalies[i].CostImpact), math.Abs(anomalies[j].CostImpact)
		if ai != aj {
			return ai > aj
		}
		if anomalies[i].ResourceID != anomalies[j].ResourceID {
			return anomalies[i].ResourceID < anomalies[j].ResourceID
		}
		return anomalies[i].Timestamp.Before(anomalies[j].Timestamp)
	})
	return anomalies
}

// partitionByResource groups valid points per resource, each partition
// sorted by timestamp. Invalid points are dropped here so one malformed
// point cannot poison its neighbors.
func partitionByResource(points []domain.CostPoint) map[string][]domain.CostPoint {
	partitions := make(map[string][]domain.CostPoint)
	for _, point := range points {
		if !point.IsValid() {
			continue
		}
		partitions[point.ResourceID] = append(partitions[point.ResourceID], point)
	}
	for _, partition := range partitions {
		sort.Slice(partition, func(i, j int) bool {
			return partition[i].Timestamp.Before(partition[j].Timestamp)
		})
	}
	return partitions
}

func (d *Detector) detectPartition(points []domain.CostPoint) []domain.Anomaly {
	if len(points) < minSeriesPoints {
		return nil
	}

	values := make([]float64, len(points))
	for i, point := range points {
		values[i] = point.Value
	}

	med := median(values)
	mad := medianAbsDeviation(values, med)
	slope, intercept := linearFit(values)
	rmse := trendRMSE(values, slope, intercept)

	anomalies := make([]domain.Anomaly, 0)
	for i, point := range points {
		results := make([]methodResult, 0, 3)
		if d.methods[domain.MethodStatistical] {
			results = append(results, statisticalScore(point.Value, med, mad))
		}
		if d.methods[domain.MethodTimeSeries] {
			results = append(results, trendScore(point.Value, i, slope, intercept, rmse))
		}
		if d.methods[domain.MethodPattern] && d.cfg.SeasonalAdjustment {
			if r, ok := patternScore(points, i); ok {
				results = append(results, r)
			}
		}
		if len(results) == 0 {
			continue
		}

		best := results[0]
		for _, r := range results[1:] {
			if r.score > best.score {
				best = r
			}
		}

		combined := best.score * (0.5 + d.cfg.Sensitivity)
		if combined < d.cfg.Threshold {
			continue
		}

		impact := point.Value - best.baseline
		anomalies = append(anomalies, domain.Anomaly{
			ID:              anomalyID(point, best.method),
			ResourceID:      point.ResourceID,
			ServiceName:     point.ServiceName,
			Timestamp:       point.Timestamp,
			Severity:        d.severityFor(combined),
			CostImpact:      impact,
			ActualValue:     point.Value,
			ExpectedValue:   best.baseline,
			Score:           combined,
			DetectionMethod: best.method,
		})
	}
	return anomalies
}

// severityFor maps a combined score to a tier. Combined scores live in
// [0, 0.5+sensitivity), so the tiers quarter the span between the threshold
// and that ceiling; every tier stays reachable at any sensitivity. Monotonic
// in the score: a higher score never yields a lower severity.
func (d *Detector) severityFor(score float64) domain.Severity {
	span := (0.5 + d.cfg.Sensitivity) - d.cfg.Threshold
	if span <= 0 {
		return domain.SeverityLow
	}
	switch {
	case score >= d.cfg.Threshold+0.75*span:
		return domain.SeverityCritical
	case score >= d.cfg.Threshold+0.50*span:
		return domain.SeverityHigh
	case score >= d.cfg.Threshold+0.25*span:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// anomalyID derives a stable ID from the point identity and winning method,
// so re-running detection over the same data reproduces the same IDs.
func anomalyID(point domain.CostPoint, method domain.DetectionMethod) string {
	seed := fmt.Sprintf("%s|%d|%s", point.ResourceID, point.Timestamp.UTC().Unix(), method)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// normalize maps a deviation against a spread into [0,1). A zero deviation
// scores zero. A degenerate zero spread falls back to a tenth of the
// baseline magnitude, so a near-constant series does not promote trivial
// wobbles to maximal scores.
func normalize(deviation, spread, baseline float64) float64 {
	if deviation == 0 {
		return 0
	}
	if spread == 0 {
		spread = 0.1 * math.Abs(baseline)
	}
	return deviation / (deviation + 3*spread)
}

// statisticalScore measures distance from the median in units of the
// scaled median absolute deviation.
func statisticalScore(value, med, mad float64) methodResult {
	return methodResult{
		method:   domain.MethodStatistical,
		score:    normalize(math.Abs(value-med), mad, med),
		baseline: med,
	}
}

// trendScore measures the residual against a least-squares forecast, in
// units of the fit's RMSE.
func trendScore(value float64, index int, slope, intercept, rmse float64) methodResult {
	forecast := intercept + slope*float64(index)
	return methodResult{
		method:   domain.MethodTimeSeries,
		score:    normalize(math.Abs(value-forecast), rmse, forecast),
		baseline: forecast,
	}
}

// patternScore compares a point against other samples on the same weekday.
// It abstains (ok=false) when fewer than two such samples exist.
func patternScore(points []domain.CostPoint, index int) (methodResult, bool) {
	target := points[index]
	weekday := target.Timestamp.UTC().Weekday()

	peers := make([]float64, 0)
	for i, point := range points {
		if i == index {
			continue
		}
		if point.Timestamp.UTC().Weekday() == weekday {
			peers = append(peers, point.Value)
		}
	}
	if len(peers) < 2 {
		return methodResult{}, false
	}

	baseline := mean(peers)
	spread := stddev(peers, baseline)
	return methodResult{
		method:   domain.MethodPattern,
		score:    normalize(math.Abs(target.Value-baseline), spread, baseline),
		baseline: baseline,
	}, true
}

// --- series statistics ---

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// medianAbsDeviation returns the MAD scaled by 1.4826, the consistency
// constant that makes it comparable to a standard deviation.
func medianAbsDeviation(values []float64, med float64) float64 {
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - med)
	}
	return median(deviations) * 1.4826
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// linearFit returns the least-squares slope and intercept of values over
// their indexes.
func linearFit(values []float64) (slope, intercept float64) {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func trendRMSE(values []float64, slope, intercept float64) float64 {
	sum := 0.0
	for i, v := range values {
		residual := v - (intercept + slope*float64(i))
		sum += residual * residual
	}
	return math.Sqrt(sum / float64(len(values)))
}

package analyzer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

// TrafficClassifier classifies the load of a run from its arrival rate and cache usage
type TrafficClassifier struct {
	// Classification thresholds
	HighVariabilityThreshold       float64
	SpikeDetectionThreshold        float64
	PeriodicityThreshold           float64
	MinDataPointsForClassification int
	// RateWindow is the bucket width used to turn arrivals into a rate series
	RateWindow time.Duration
}

// NewTrafficClassifier creates a new traffic classifier.
func NewTrafficClassifier() *TrafficClassifier {
	return &TrafficClassifier{
		HighVariabilityThreshold:       defaultHighVariabilityThreshold,
		SpikeDetectionThreshold:        defaultSpikeDetectionThreshold,
		PeriodicityThreshold:           defaultPeriodicityThreshold,
		MinDataPointsForClassification: defaultMinDataPointsForClassification,
		RateWindow:                     defaultRateWindow,
	}
}

// TrafficClass represents different shapes of benchmark traffic
type TrafficClass string

const (
	TrafficClassStable        TrafficClass = "Stable"        // Low variability, predictable
	TrafficClassBursty        TrafficClass = "Bursty"        // High variability with spikes
	TrafficClassPeriodic      TrafficClass = "Periodic"      // Repeating pattern
	TrafficClassGrowing       TrafficClass = "Growing"       // Increasing trend
	TrafficClassShrinking     TrafficClass = "Shrinking"     // Decreasing trend
	TrafficClassUnpredictable TrafficClass = "Unpredictable" // Chaotic patterns
)

// Trend direction constants
const (
	TrendDirectionIncreasing = "increasing"
	TrendDirectionDecreasing = "decreasing"
	TrendDirectionStable     = "stable"
)

// Classification constants
const (
	defaultHighVariabilityThreshold       = 0.3 // 30% coefficient of variation
	defaultSpikeDetectionThreshold        = 2.0 // 2 standard deviations
	defaultPeriodicityThreshold           = 0.6 // autocorrelation at the best lag
	defaultMinDataPointsForClassification = 20
	defaultRateWindow                     = time.Second
)

// TrafficClassification contains the classification results
type TrafficClassification struct {
	Class             TrafficClass                   `json:"class"`
	Confidence        float64                        `json:"confidence"`
	ArrivalPattern    Pattern                        `json:"arrivalPattern"`
	CacheUsagePattern *Pattern                       `json:"cacheUsagePattern,omitempty"`
	Recommendations   []ClassificationRecommendation `json:"recommendations,omitempty"`
}

// Pattern describes the shape of a series
type Pattern struct {
	DataPoints             int     `json:"dataPoints"`
	Mean                   float64 `json:"mean"`
	StandardDeviation      float64 `json:"standardDeviation"`
	CoefficientOfVariation float64 `json:"coefficientOfVariation"`
	TrendDirection         string  `json:"trendDirection"`
	TrendStrength          float64 `json:"trendStrength"`  // 0-1, where 1 is strong trend
	SpikeFrequency         float64 `json:"spikeFrequency"` // fraction of points above the spike threshold
	Periodicity            float64 `json:"periodicity"`    // best autocorrelation for lags >= 2
	MinValue               float64 `json:"min"`
	MaxValue               float64 `json:"max"`
	P95Value               float64 `json:"p95"`
}

// ClassificationRecommendation provides specific recommendations based on classification
type ClassificationRecommendation struct {
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Description string `json:"description"`
	Action      string `json:"action"`
}

// ClassifyTraffic analyzes the arrival rate of the collected requests and, when the history
// is long enough, the KV-cache usage of the engine
func (c *TrafficClassifier) ClassifyTraffic(latencies []metrics.RequestLatency, history *metrics.AutoscalerHistory) (*TrafficClassification, error) {
	rates := c.arrivalRates(latencies)
	arrival, err := c.analyzePattern(rates, "arrival rate")
	if err != nil {
		return nil, err
	}

	classification := &TrafficClassification{ArrivalPattern: *arrival}

	if history.Len() > 0 {
		usage := make([]float64, len(history.CacheUsage))
		for i, s := range history.CacheUsage {
			usage[i] = s.Value
		}
		// cache usage is optional input; a short history only lowers confidence
		if cache, err := c.analyzePattern(usage, "cache usage"); err == nil {
			classification.CacheUsagePattern = cache
		}
	}

	classification.Class = c.determineTrafficClass(*arrival, classification.CacheUsagePattern)
	classification.Confidence = c.calculateClassificationConfidence(*arrival, classification.CacheUsagePattern)
	classification.Recommendations = generateClassificationRecommendations(classification)

	return classification, nil
}

// arrivalRates buckets arrivals into RateWindow-wide bins starting at the first arrival
func (c *TrafficClassifier) arrivalRates(latencies []metrics.RequestLatency) []float64 {
	if len(latencies) == 0 {
		return nil
	}
	window := c.RateWindow
	if window <= 0 {
		window = defaultRateWindow
	}

	first, span := arrivalSpan(latencies)
	rates := make([]float64, int(span/window)+1)
	for _, l := range latencies {
		rates[int(l.Arrival.Sub(first)/window)]++
	}
	return rates
}

// analyzePattern computes the statistics of one series
func (c *TrafficClassifier) analyzePattern(values []float64, name string) (*Pattern, error) {
	if len(values) < c.MinDataPointsForClassification {
		return nil, fmt.Errorf("insufficient data points for %s analysis: %d < %d",
			name, len(values), c.MinDataPointsForClassification)
	}

	pattern := &Pattern{DataPoints: len(values)}

	pattern.Mean = calculateMean(values)
	pattern.StandardDeviation = calculateStandardDeviation(values, pattern.Mean)
	if pattern.Mean > 0 {
		pattern.CoefficientOfVariation = pattern.StandardDeviation / pattern.Mean
	}

	sorted := sortedCopy(values)
	pattern.MinValue = sorted[0]
	pattern.MaxValue = sorted[len(sorted)-1]
	pattern.P95Value = calculatePercentile(sorted, 95)

	pattern.TrendDirection, pattern.TrendStrength = analyzeTrend(values)
	pattern.SpikeFrequency = c.calculateSpikeFrequency(values, pattern.Mean, pattern.StandardDeviation)
	pattern.Periodicity = calculatePeriodicity(values, pattern.Mean)

	return pattern, nil
}

// determineTrafficClass classifies the traffic based on the series patterns
func (c *TrafficClassifier) determineTrafficClass(arrival Pattern, cache *Pattern) TrafficClass {
	// Trends first; the arrival rate takes precedence over cache usage
	for _, p := range []*Pattern{&arrival, cache} {
		if p == nil || p.TrendStrength <= 0.7 {
			continue
		}
		switch p.TrendDirection {
		case TrendDirectionIncreasing:
			return TrafficClassGrowing
		case TrendDirectionDecreasing:
			return TrafficClassShrinking
		}
	}

	if arrival.CoefficientOfVariation > c.HighVariabilityThreshold {
		if arrival.Periodicity >= c.PeriodicityThreshold {
			return TrafficClassPeriodic
		}
		if arrival.SpikeFrequency > 0 {
			return TrafficClassBursty
		}
		return TrafficClassUnpredictable
	}

	return TrafficClassStable
}

// calculateClassificationConfidence calculates confidence in the classification
func (c *TrafficClassifier) calculateClassificationConfidence(arrival Pattern, cache *Pattern) float64 {
	confidence := 1.0

	if arrival.DataPoints < 2*c.MinDataPointsForClassification {
		confidence *= 0.8
	}

	if cache == nil {
		confidence *= 0.9
	} else if arrival.TrendDirection != cache.TrendDirection &&
		arrival.TrendStrength > 0.5 && cache.TrendStrength > 0.5 {
		confidence *= 0.8
	}

	// Very clear patterns
	if arrival.CoefficientOfVariation < 0.1 {
		confidence *= 1.2
	}
	if arrival.Periodicity > 0.9 {
		confidence *= 1.1
	}

	return math.Min(math.Max(confidence, 0.1), 1.0)
}

// generateClassificationRecommendations generates tuning hints based on the classification
func generateClassificationRecommendations(classification *TrafficClassification) []ClassificationRecommendation {
	var recommendations []ClassificationRecommendation

	switch classification.Class {
	case TrafficClassStable:
		recommendations = append(recommendations, ClassificationRecommendation{
			Type:        "Shard Sizing",
			Priority:    "Medium",
			Description: "Stable traffic with a predictable arrival rate",
			Action:      "A fixed tensor-parallel level close to the time-weighted mean is sufficient",
		})

	case TrafficClassBursty:
		recommendations = append(recommendations, ClassificationRecommendation{
			Type:        "Autoscaler Tuning",
			Priority:    "High",
			Description: "Bursty traffic with short arrival spikes",
			Action:      "Lower the scale-up threshold or the cooldown so shards are added before the queue blocks",
		})

	case TrafficClassPeriodic:
		recommendations = append(recommendations, ClassificationRecommendation{
			Type:        "Predictive Scaling",
			Priority:    "High",
			Description: "Traffic repeats with a regular period",
			Action:      "Consider scaling ahead of the expected peaks instead of reacting to cache usage",
		})

	case TrafficClassGrowing:
		recommendations = append(recommendations, ClassificationRecommendation{
			Type:        "Capacity Planning",
			Priority:    "High",
			Description: "Traffic shows an increasing trend",
			Action:      "Check that the GPU range leaves room for the highest tensor-parallel level",
		})

	case TrafficClassShrinking:
		recommendations = append(recommendations, ClassificationRecommendation{
			Type:        "Scale Down",
			Priority:    "Medium",
			Description: "Traffic shows a decreasing trend",
			Action:      "Raise the scale-down threshold so idle shards are released sooner",
		})

	case TrafficClassUnpredictable:
		recommendations = append(recommendations, ClassificationRecommendation{
			Type:        "Monitoring",
			Priority:    "High",
			Description: "Arrival rate varies without a clear pattern",
			Action:      "Repeat the run with a longer limit before tuning the autoscaler",
		})
	}

	if cache := classification.CacheUsagePattern; cache != nil && cache.P95Value > 0.95 {
		recommendations = append(recommendations, ClassificationRecommendation{
			Type:        "KV Cache Pressure",
			Priority:    "High",
			Description: "KV-cache usage stayed near capacity",
			Action:      "Widen the GPU range or reduce max_response_length in the load pattern",
		})
	}

	return recommendations
}

func analyzeTrend(values []float64) (string, float64) {
	if len(values) < 10 {
		return TrendDirectionStable, 0.0
	}

	// Simple linear regression to detect trend
	n := float64(len(values))
	sumX := 0.0
	sumY := 0.0
	sumXY := 0.0
	sumX2 := 0.0

	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	slope := (n*sumXY - sumX*sumY) / (n*sumX2 - sumX*sumX)

	// Normalize slope by mean to get relative trend strength
	mean := sumY / n
	if mean == 0 {
		return TrendDirectionStable, 0.0
	}

	if math.Abs(slope) < mean*0.001 {
		return TrendDirectionStable, 0.0
	}

	direction := TrendDirectionIncreasing
	if slope < 0 {
		direction = TrendDirectionDecreasing
	}

	strength := math.Min(math.Abs(slope)/mean*100, 1.0)
	return direction, strength
}

func (c *TrafficClassifier) calculateSpikeFrequency(values []float64, mean, stdDev float64) float64 {
	if len(values) == 0 || stdDev == 0 {
		return 0.0
	}

	spikeThreshold := mean + c.SpikeDetectionThreshold*stdDev
	spikes := 0
	for _, v := range values {
		if v > spikeThreshold {
			spikes++
		}
	}

	return float64(spikes) / float64(len(values))
}

// calculatePeriodicity returns the highest autocorrelation over lags 2..n/2
func calculatePeriodicity(values []float64, mean float64) float64 {
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	if variance == 0 {
		return 0
	}

	best := 0.0
	for lag := 2; lag <= len(values)/2; lag++ {
		sum := 0.0
		for i := 0; i+lag < len(values); i++ {
			sum += (values[i] - mean) * (values[i+lag] - mean)
		}
		if r := sum / variance; r > best {
			best = r
		}
	}
	return best
}

// Summary provides a human-readable summary of the classification
func (classification *TrafficClassification) Summary() string {
	var summary strings.Builder

	fmt.Fprintf(&summary, "Classification: %s (Confidence: %.1f%%)\n",
		classification.Class, classification.Confidence*100)
	writePattern(&summary, "Arrival rate", classification.ArrivalPattern)
	if classification.CacheUsagePattern != nil {
		writePattern(&summary, "Cache usage", *classification.CacheUsagePattern)
	}

	if len(classification.Recommendations) > 0 {
		summary.WriteString("\nRecommendations:\n")
		for _, rec := range classification.Recommendations {
			fmt.Fprintf(&summary, "  - %s (%s): %s\n", rec.Type, rec.Priority, rec.Description)
		}
	}

	return summary.String()
}

func writePattern(b *strings.Builder, name string, p Pattern) {
	fmt.Fprintf(b, "\n%s:\n", name)
	fmt.Fprintf(b, "  - Variability: %.2f (CV)\n", p.CoefficientOfVariation)
	fmt.Fprintf(b, "  - Trend: %s (%.1f%%)\n", p.TrendDirection, p.TrendStrength*100)
	fmt.Fprintf(b, "  - Spike Frequency: %.1f%%\n", p.SpikeFrequency*100)
}

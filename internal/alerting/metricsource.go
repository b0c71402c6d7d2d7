package alerting

import (
	"fmt"
	"time"
)

// MetricPoint is one timestamped sample of a named metric.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MetricSource supplies recent samples for rule evaluation. Implementations
// must be safe for concurrent use; the engine calls them on every tick.
type MetricSource interface {
	// Samples returns all points for the metric whose timestamp falls in
	// [since, now]. Order is not required.
	Samples(metric string, since time.Time) []MetricPoint

	// Record appends a sample for the metric at the current time.
	Record(metric string, value float64)
}

// Aggregate reduces a window of samples to a single value using the rule's
// aggregation function. ok is false when there are no samples to aggregate,
// so rules like "count lt 5" cannot fire on a metric with no history.
func Aggregate(points []MetricPoint, aggregation string) (value float64, ok bool) {
	if len(points) == 0 {
		return 0, false
	}
	if aggregation == AggregationCount {
		return float64(len(points)), true
	}
	switch aggregation {
	case AggregationAvg, "":
		var sum float64
		for _, p := range points {
			sum += p.Value
		}
		return sum / float64(len(points)), true
	case AggregationSum:
		var sum float64
		for _, p := range points {
			sum += p.Value
		}
		return sum, true
	case AggregationMax:
		max := points[0].Value
		for _, p := range points[1:] {
			if p.Value > max {
				max = p.Value
			}
		}
		return max, true
	case AggregationMin:
		min := points[0].Value
		for _, p := range points[1:] {
			if p.Value < min {
				min = p.Value
			}
		}
		return min, true
	default:
		return 0, false
	}
}

// Compare applies a rule operator to an aggregated value and a threshold.
func Compare(value float64, operator string, threshold float64) (bool, error) {
	switch operator {
	case OperatorGreaterThan:
		return value > threshold, nil
	case OperatorGreaterOrEqual:
		return value >= threshold, nil
	case OperatorLessThan:
		return value < threshold, nil
	case OperatorLessOrEqual:
		return value <= threshold, nil
	case OperatorEqual:
		return value == threshold, nil
	case OperatorNotEqual:
		return value != threshold, nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}

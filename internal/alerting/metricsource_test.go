package alerting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func points(values ...float64) []MetricPoint {
	now := time.Now()
	out := make([]MetricPoint, len(values))
	for i, v := range values {
		out[i] = MetricPoint{Timestamp: now, Value: v}
	}
	return out
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		points      []MetricPoint
		aggregation string
		want        float64
		wantOK      bool
	}{
		{"avg", points(10, 20, 30), AggregationAvg, 20, true},
		{"avg is the default", points(10, 20, 30), "", 20, true},
		{"max", points(10, 30, 20), AggregationMax, 30, true},
		{"min", points(30, 10, 20), AggregationMin, 10, true},
		{"sum", points(1, 2, 3), AggregationSum, 6, true},
		{"count", points(1, 2, 3), AggregationCount, 3, true},
		{"count of empty window never fires", nil, AggregationCount, 0, false},
		{"empty window", nil, AggregationAvg, 0, false},
		{"unknown aggregation", points(1), "median", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Aggregate(tt.points, tt.aggregation)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.InDelta(t, tt.want, got, 0.0001)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		value     float64
		operator  string
		threshold float64
		want      bool
	}{
		{"gt true", 91, OperatorGreaterThan, 90, true},
		{"gt boundary is false", 90, OperatorGreaterThan, 90, false},
		{"gte boundary", 90, OperatorGreaterOrEqual, 90, true},
		{"lt", 1, OperatorLessThan, 2, true},
		{"lte boundary", 2, OperatorLessOrEqual, 2, true},
		{"eq", 5, OperatorEqual, 5, true},
		{"ne", 5, OperatorNotEqual, 6, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Compare(tt.value, tt.operator, tt.threshold)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unknown operator", func(t *testing.T) {
		t.Parallel()
		_, err := Compare(1, "contains", 2)
		require.Error(t, err)
	})
}

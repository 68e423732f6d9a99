// Package domain holds the scalar metrics a run reports while it trains or measures.
package domain

import "time"

// Point is one scalar sample of a named metric at a step.
type Point struct {
	Name      string    `json:"name"`
	Step      int64     `json:"step"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// SeriesPoint is a Point within a Series, where the name is implied.
type SeriesPoint struct {
	Step      int64     `json:"step"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Series is every point of one metric in step order.
type Series struct {
	Name   string        `json:"name"`
	Points []SeriesPoint `json:"points"`
}

// Result is the answer to a metrics query for one run.
type Result struct {
	RunID  string   `json:"run_id"`
	Series []Series `json:"series"`
}

// Group folds points sorted by name then step into one series per name.
func Group(runID string, points []Point) *Result {
	res := &Result{RunID: runID, Series: []Series{}}
	for _, p := range points {
		n := len(res.Series)
		if n == 0 || res.Series[n-1].Name != p.Name {
			res.Series = append(res.Series, Series{Name: p.Name})
			n++
		}
		res.Series[n-1].Points = append(res.Series[n-1].Points, SeriesPoint{Step: p.Step, Value: p.Value, Timestamp: p.Timestamp})
	}
	return res
}

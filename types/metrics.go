package types

// MetricFormat hints how a MetricNode's numeric Value should be rendered.
// The source repo carried two parallel metric schemas (IdmMetricNode and
// MetricNode); this unifies them into one.
type MetricFormat int

const (
	MetricUnknown MetricFormat = iota
	MetricBytes
	MetricInteger
	MetricDurationSeconds
)

// MetricNode is one node in the metrics tree a zone (or the daemon) reports.
// A node is either a leaf (Value/StringValue set, Children empty) or an
// interior node (Children set, Value meaningless).
type MetricNode struct {
	Name        string       `json:"name"`
	Format      MetricFormat `json:"format"`
	Value       float64      `json:"value,omitempty"`
	StringValue string       `json:"string_value,omitempty"`
	Children    []MetricNode `json:"children,omitempty"`
}

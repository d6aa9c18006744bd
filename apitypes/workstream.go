package apitypes

// Workstream is an opaque cluster of gaps, created during PLANNING and
// immutable thereafter. It groups tasks at the planning layer; the core
// never interprets gap content, only the cluster's declared metadata.
type Workstream struct {
	WorkstreamID  string   `json:"workstream_id"`
	RunID         string   `json:"run_id"`
	ClusterIndex  int      `json:"cluster_index"`
	Priority      float64  `json:"priority"`
	FileScope     []string `json:"file_scope"`
	DependsOn     []string `json:"depends_on"`
	EstimatedHrs  float64  `json:"estimated_effort_hours"`
}

// Package batch turns a move CSV into per-row move tasks, validates it,
// dispatches the tasks across a bounded worker pool, and aggregates the
// outcomes into a deterministic report.
package batch

// Task describes one study move read from a CSV data row. Tasks are
// built once before dispatch and not modified afterwards; each task
// maps to exactly one move request.
type Task struct {
	Row             int // 1-based data-row counter
	SourceStudyUID  string
	TargetPatientID string
	Issuer          string // empty until resolved; checked at dispatch time
	TargetStudyUID  string // generated before dispatch when empty
}

// Status classifies the outcome of one task.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the outcome of one dispatched task. Exactly one Result is
// produced per Task, whatever happens inside the worker.
type Result struct {
	Row             int
	SourceStudyUID  string
	TargetStudyUID  string
	TargetPatientID string
	Issuer          string
	Status          Status
	HTTPStatus      int    // 0 when no HTTP call was made
	Err             string // empty on success
}

// Report is the outcome of a full validation scan over a move CSV.
type Report struct {
	OK          bool     `json:"ok"`
	RowsChecked int      `json:"rows"`
	Problems    []string `json:"problems"`
}

// Summary counts the outcomes of a finished batch.
type Summary struct {
	OK    int `json:"ok"`
	Error int `json:"error"`
	Total int `json:"total"`
}

// Summarize tallies a finished batch's results.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Status == StatusOK {
			s.OK++
		} else {
			s.Error++
		}
	}
	return s
}

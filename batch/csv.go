package batch

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
)

// Move CSV column names, matched case-insensitively.
const (
	ColSourceStudyUID  = "source_study_uid"
	ColTargetPatientID = "target_patient_id"
	ColIssuer          = "issuer_of_patient_id"
	ColTargetStudyUID  = "target_study_uid"
)

// uidShape is the loose DICOM UID shape accepted in input rows.
var uidShape = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// header maps lower-cased column names to field positions.
type header map[string]int

func readHeader(r *csv.Reader) (header, error) {
	rec, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("CSV has no header")
	}
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	h := make(header, len(rec))
	for i, name := range rec {
		h[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return h, nil
}

// get returns the named column's value in rec, or "" when the column
// is absent or the row is short.
func (h header) get(rec []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (h header) has(col string) bool {
	_, ok := h[col]
	return ok
}

// Validate scans the whole move CSV and reports every problem found.
// It never stops at the first bad row. Line numbers in problems count
// the header as line 1, so the first data row is line 2. requireIssuer
// demands an issuer on every row unless defaultIssuer fills the gap.
func Validate(r io.Reader, requireIssuer bool, defaultIssuer string) (Report, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	hdr, err := readHeader(cr)
	if err != nil {
		return Report{}, err
	}

	var problems []string
	var missing []string
	for _, col := range []string{ColSourceStudyUID, ColTargetPatientID} {
		if !hdr.has(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		problems = append(problems, fmt.Sprintf("Missing required columns: %s", strings.Join(missing, ", ")))
	}

	rowsChecked := 0
	srcSeen := make(map[string]bool)
	tgtSeen := make(map[string]bool)

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Report{}, fmt.Errorf("read CSV line %d: %w", line, err)
		}
		rowsChecked++

		src := hdr.get(rec, ColSourceStudyUID)
		pid := hdr.get(rec, ColTargetPatientID)
		issuer := hdr.get(rec, ColIssuer)
		if issuer == "" {
			issuer = defaultIssuer
		}
		tgt := hdr.get(rec, ColTargetStudyUID)

		if src == "" {
			problems = append(problems, fmt.Sprintf("Line %d: empty %s", line, ColSourceStudyUID))
		}
		if src != "" && !uidShape.MatchString(src) {
			problems = append(problems, fmt.Sprintf("Line %d: %s looks invalid: %s", line, ColSourceStudyUID, src))
		}
		if pid == "" {
			problems = append(problems, fmt.Sprintf("Line %d: empty %s", line, ColTargetPatientID))
		}
		if requireIssuer && issuer == "" {
			problems = append(problems, fmt.Sprintf("Line %d: %s missing and no -default-issuer provided", line, ColIssuer))
		}

		if src != "" {
			if srcSeen[src] {
				problems = append(problems, fmt.Sprintf("Line %d: duplicate %s %s", line, ColSourceStudyUID, src))
			}
			srcSeen[src] = true
		}
		if tgt != "" {
			if !uidShape.MatchString(tgt) {
				problems = append(problems, fmt.Sprintf("Line %d: %s looks invalid: %s", line, ColTargetStudyUID, tgt))
			}
			if tgtSeen[tgt] {
				problems = append(problems, fmt.Sprintf("Line %d: duplicate %s %s", line, ColTargetStudyUID, tgt))
			}
			tgtSeen[tgt] = true
		}
	}

	if problems == nil {
		problems = []string{}
	}
	return Report{OK: len(problems) == 0, RowsChecked: rowsChecked, Problems: problems}, nil
}

// Rows is a single-pass, forward-only iterator of move tasks over a
// parsed CSV. Re-iterating requires re-opening the source. Its row
// counter is 1-based over data rows, independent of the validator's
// line numbering.
type Rows struct {
	cr            *csv.Reader
	hdr           header
	defaultIssuer string
	row           int
}

// NewRows reads the CSV header and returns an iterator over the data
// rows. A missing issuer value falls back to defaultIssuer; when both
// are absent the task's issuer stays empty and becomes a per-row error
// at dispatch time.
func NewRows(r io.Reader, defaultIssuer string) (*Rows, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	hdr, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	return &Rows{cr: cr, hdr: hdr, defaultIssuer: defaultIssuer}, nil
}

// Next returns the next task, or io.EOF when the input is exhausted.
func (rs *Rows) Next() (Task, error) {
	rec, err := rs.cr.Read()
	if err == io.EOF {
		return Task{}, io.EOF
	}
	if err != nil {
		return Task{}, fmt.Errorf("read CSV row %d: %w", rs.row+1, err)
	}
	rs.row++

	issuer := rs.hdr.get(rec, ColIssuer)
	if issuer == "" {
		issuer = rs.defaultIssuer
	}
	return Task{
		Row:             rs.row,
		SourceStudyUID:  rs.hdr.get(rec, ColSourceStudyUID),
		TargetPatientID: rs.hdr.get(rec, ColTargetPatientID),
		Issuer:          issuer,
		TargetStudyUID:  rs.hdr.get(rec, ColTargetStudyUID),
	}, nil
}

// ReadAll drains the iterator into a slice, preserving row order.
func (rs *Rows) ReadAll() ([]Task, error) {
	var tasks []Task
	for {
		t, err := rs.Next()
		if err == io.EOF {
			return tasks, nil
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
}

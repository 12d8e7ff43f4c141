// Package dicomscan walks a directory of DICOM files and extracts the
// per-study identifiers needed to bootstrap a move CSV.
package dicomscan

import (
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Study holds the identifiers pulled from one study's files.
type Study struct {
	StudyInstanceUID string
	PatientID        string
	Issuer           string
}

// ScanDir walks root, parses every .dcm file header (pixel data is
// skipped), and returns the distinct studies found, in first-seen
// order. Unreadable files are logged and skipped; they never abort the
// scan.
func ScanDir(root string, log *logrus.Logger) ([]Study, error) {
	var studies []Study
	seen := make(map[string]bool)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".dcm") {
			return nil
		}

		ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
		if err != nil {
			log.Warnf("skipping %s: %v", path, err)
			return nil
		}

		studyUID := stringByTag(&ds, tag.StudyInstanceUID)
		if studyUID == "" {
			log.Warnf("skipping %s: no StudyInstanceUID", path)
			return nil
		}
		if seen[studyUID] {
			return nil
		}
		seen[studyUID] = true

		studies = append(studies, Study{
			StudyInstanceUID: studyUID,
			PatientID:        stringByTag(&ds, tag.PatientID),
			Issuer:           stringByTag(&ds, tag.IssuerOfPatientID),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return studies, nil
}

// WriteMoveCSV emits a starter move-batch CSV for the scanned studies.
// target_patient_id is left empty for the operator to fill in; the
// trailing source_patient_id column shows which patient each study
// currently belongs to, so the operator can map source to target.
// move-batch matches columns by name and ignores the extra one.
func WriteMoveCSV(w io.Writer, studies []Study) error {
	cw := csv.NewWriter(w)
	header := []string{"source_study_uid", "target_patient_id", "issuer_of_patient_id", "target_study_uid", "source_patient_id"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write scan CSV header: %w", err)
	}
	for _, s := range studies {
		if err := cw.Write([]string{s.StudyInstanceUID, "", s.Issuer, "", s.PatientID}); err != nil {
			return fmt.Errorf("write scan CSV row for %s: %w", s.StudyInstanceUID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// stringByTag extracts the first string value for the given tag from
// the dataset, so we store clean values like "1.2.840..." instead of
// the verbose Element.String() representation.
func stringByTag(ds *dicom.Dataset, t tag.Tag) string {
	if ds == nil {
		return ""
	}
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	vals := dicom.MustGetStrings(el.Value)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

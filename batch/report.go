package batch

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
)

// resultColumns is the fixed column order of a results CSV.
var resultColumns = []string{
	"row", "source_study_uid", "target_study_uid", "target_patient_id",
	"issuer_of_patient_id", "status", "http", "error",
}

// WriteResultsCSV writes the results (already sorted by Dispatch) as
// CSV. The http column is empty for rows that never reached the
// archive.
func WriteResultsCSV(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(resultColumns); err != nil {
		return fmt.Errorf("write results header: %w", err)
	}
	for _, r := range results {
		httpField := ""
		if r.HTTPStatus != 0 {
			httpField = strconv.Itoa(r.HTTPStatus)
		}
		rec := []string{
			strconv.Itoa(r.Row),
			r.SourceStudyUID,
			r.TargetStudyUID,
			r.TargetPatientID,
			r.Issuer,
			string(r.Status),
			httpField,
			r.Err,
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write results row %d: %w", r.Row, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteResults writes the results CSV to dest: a local file path, or a
// GCS object when dest is a gs://bucket/object URL.
func WriteResults(ctx context.Context, dest string, results []Result) error {
	if strings.HasPrefix(dest, "gs://") {
		return writeResultsGCS(ctx, dest, results)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("os.Create(%s): %w", dest, err)
	}
	if err := WriteResultsCSV(f, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeResultsGCS uploads the results CSV to a GCS object using ADC.
func writeResultsGCS(ctx context.Context, dest string, results []Result) error {
	rest := strings.TrimPrefix(dest, "gs://")
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return fmt.Errorf("invalid GCS destination %q, want gs://bucket/object", dest)
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to init GCS storage client: %w", err)
	}
	defer client.Close()

	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "text/csv"
	if err := WriteResultsCSV(w, results); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload results to %s: %w", dest, err)
	}
	return nil
}

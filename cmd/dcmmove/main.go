// Command dcmmove moves DICOM studies between patient records in a
// dcm4chee archive, one study at a time or as a concurrent CSV batch.
//
//	dcmmove move-one   -base-url=https://host:8443 -aet=ARCHIVE ...
//	dcmmove move-batch -csv=moves.csv -concurrency=4 -out=results.csv ...
//	dcmmove validate-csv -csv=moves.csv
//	dcmmove show-study -study-uid=1.2.840....
//	dcmmove scan -dir=/data/dicom -out=moves.csv
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"dcmmove/auth"
	"dcmmove/batch"
	"dcmmove/config"
	"dcmmove/dcm4chee"
	"dcmmove/dicomscan"
	"dcmmove/uid"
)

var log = logrus.New()

func main() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "move-one":
		code = runMoveOne(os.Args[2:])
	case "move-batch":
		code = runMoveBatch(os.Args[2:])
	case "validate-csv":
		code = runValidateCSV(os.Args[2:])
	case "show-study":
		code = runShowStudy(os.Args[2:])
	case "scan":
		code = runScan(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dcmmove <move-one|move-batch|validate-csv|show-study|scan> [flags]")
}

// registerCommon wires the connection/auth/UID flags shared by the
// archive-facing commands into fs. The returned Config holds only the
// flag values; resolveConfig layers it over file and env settings.
func registerCommon(fs *flag.FlagSet, cfgFile *string) *config.Config {
	c := &config.Config{}
	fs.StringVar(cfgFile, "config", "", "YAML config file with defaults")
	fs.StringVar(&c.BaseURL, "base-url", "", "archive base URL, e.g. https://host:8443")
	fs.StringVar(&c.AET, "aet", "", "archive AE Title, e.g. CUFVNAQUAA")
	fs.IntVar(&c.TimeoutSeconds, "timeout", 0, "HTTP timeout in seconds (default 60)")
	fs.BoolVar(&c.Insecure, "insecure", false, "allow insecure TLS")
	fs.StringVar(&c.Token, "token", "", "static Bearer token")
	fs.StringVar(&c.TokenEndpoint, "token-endpoint", "", "OAuth2 token endpoint")
	fs.StringVar(&c.ClientID, "client-id", "", "OAuth2 client_id")
	fs.StringVar(&c.ClientSecret, "client-secret", "", "OAuth2 client_secret")
	fs.StringVar(&c.ClientSecretSecret, "client-secret-secret", "", "Secret Manager secret holding the OAuth2 client secret")
	fs.StringVar(&c.Scope, "scope", "", "OAuth2 scope")
	fs.StringVar(&c.OrgUIDRoot, "org-uid-root", "", "UID root for generated target StudyInstanceUIDs")
	fs.StringVar(&c.DefaultIssuer, "default-issuer", "", "fallback IssuerOfPatientID when the column is missing")
	return c
}

// resolveConfig merges env < file < flags and applies defaults.
func resolveConfig(cfgFile string, flags config.Config) (config.Config, error) {
	cfg := config.FromEnv()
	if cfgFile != "" {
		var err error
		cfg, err = config.LoadFile(cfgFile, cfg)
		if err != nil {
			return config.Config{}, err
		}
	}
	cfg = config.Merge(cfg, flags)
	if err := uid.ValidateRoot(cfg.OrgUIDRoot); err != nil {
		return config.Config{}, err
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 60
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return cfg, nil
}

// setup validates auth configuration and builds the archive client and
// token manager. Configuration problems are fatal before any work
// starts (exit code 2 at the call sites).
func setup(ctx context.Context, cfg *config.Config) (*dcm4chee.Client, *auth.Manager, error) {
	if !cfg.HasAuth() {
		return nil, nil, fmt.Errorf("provide either -token or OAuth2 options (-token-endpoint/-client-id/-client-secret)")
	}
	if err := cfg.ResolveClientSecret(ctx); err != nil {
		return nil, nil, err
	}

	client, err := dcm4chee.NewClient(cfg.BaseURL, cfg.AET, time.Duration(cfg.TimeoutSeconds)*time.Second, cfg.Insecure)
	if err != nil {
		return nil, nil, err
	}

	mgr := auth.NewManager(auth.Options{
		StaticToken:   cfg.Token,
		TokenEndpoint: cfg.TokenEndpoint,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		Scope:         cfg.Scope,
		Timeout:       time.Duration(cfg.TimeoutSeconds) * time.Second,
		Insecure:      cfg.Insecure,
	})
	return client, mgr, nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Errorf("marshal output: %v", err)
		return
	}
	fmt.Println(string(out))
}

// bodyValue picks the JSON-friendly view of a decoded response body.
func bodyValue(b dcm4chee.Body) any {
	if b.Fields != nil {
		return b.Fields
	}
	return b.Raw
}

func runMoveOne(args []string) int {
	fs := flag.NewFlagSet("move-one", flag.ExitOnError)
	var cfgFile string
	flags := registerCommon(fs, &cfgFile)
	sourceUID := fs.String("source-study-uid", "", "StudyInstanceUID to move")
	patientID := fs.String("target-patient-id", "", "target PatientID")
	issuer := fs.String("issuer", "", "IssuerOfPatientID (0010,0021), e.g. JMS")
	targetUID := fs.String("target-study-uid", "", "target StudyInstanceUID; generated when omitted")
	fs.Parse(args)

	cfg, err := resolveConfig(cfgFile, *flags)
	if err != nil {
		log.Error(err)
		return 2
	}
	if *sourceUID == "" || *patientID == "" || *issuer == "" {
		log.Error("-source-study-uid, -target-patient-id and -issuer are required")
		return 2
	}

	ctx := context.Background()
	client, mgr, err := setup(ctx, &cfg)
	if err != nil {
		log.Error(err)
		return 2
	}

	tgt := *targetUID
	if tgt == "" {
		tgt = uid.NewStudyUID(cfg.OrgUIDRoot)
	}
	log.Infof("target StudyInstanceUID: %s", tgt)

	req := dcm4chee.MoveRequest{
		SourceStudyUID:  *sourceUID,
		TargetStudyUID:  tgt,
		TargetPatientID: *patientID,
		IssuerOfPatient: *issuer,
	}

	resp, err := callWithRetry(ctx, mgr, func(bearer string) (*dcm4chee.Response, error) {
		return client.MoveStudy(ctx, bearer, req)
	})
	if err != nil {
		log.Error(err)
		return 1
	}

	status := "error"
	if resp.OK() {
		status = "ok"
	}
	printJSON(map[string]any{
		"status":                 status,
		"http":                   resp.StatusCode,
		"targetStudyInstanceUID": tgt,
		"response":               bodyValue(resp.Body),
	})
	if !resp.OK() {
		return 1
	}
	return 0
}

// callWithRetry obtains a token, runs the call, and repeats it exactly
// once after a forced refresh when the archive answers 401 and the
// token is refreshable. Single-study commands share the batch
// dispatcher's retry policy through this helper.
func callWithRetry(ctx context.Context, mgr *auth.Manager, call func(bearer string) (*dcm4chee.Response, error)) (*dcm4chee.Response, error) {
	bearer, err := mgr.Get(ctx, false)
	if err != nil {
		return nil, err
	}
	resp, err := call(bearer)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == 401 && !mgr.Static() {
		bearer, err = mgr.Get(ctx, true)
		if err != nil {
			return nil, err
		}
		return call(bearer)
	}
	return resp, nil
}

func runShowStudy(args []string) int {
	fs := flag.NewFlagSet("show-study", flag.ExitOnError)
	var cfgFile string
	flags := registerCommon(fs, &cfgFile)
	studyUID := fs.String("study-uid", "", "StudyInstanceUID to query")
	fs.Parse(args)

	cfg, err := resolveConfig(cfgFile, *flags)
	if err != nil {
		log.Error(err)
		return 2
	}
	if *studyUID == "" {
		log.Error("-study-uid is required")
		return 2
	}

	ctx := context.Background()
	client, mgr, err := setup(ctx, &cfg)
	if err != nil {
		log.Error(err)
		return 2
	}

	resp, err := callWithRetry(ctx, mgr, func(bearer string) (*dcm4chee.Response, error) {
		return client.SearchStudy(ctx, bearer, *studyUID)
	})
	if err != nil {
		log.Error(err)
		return 1
	}

	if resp.StatusCode == 200 {
		fmt.Println(resp.Body.Pretty())
		return 0
	}
	printJSON(map[string]any{
		"status":   "error",
		"http":     resp.StatusCode,
		"response": bodyValue(resp.Body),
	})
	return 1
}

func runValidateCSV(args []string) int {
	fs := flag.NewFlagSet("validate-csv", flag.ExitOnError)
	csvPath := fs.String("csv", "", "CSV file to validate")
	requireIssuer := fs.Bool("require-issuer", true, "fail rows without an issuer and no -default-issuer")
	defaultIssuer := fs.String("default-issuer", "", "issuer used when the column is missing")
	fs.Parse(args)

	if *csvPath == "" {
		log.Error("-csv is required")
		return 2
	}
	f, err := os.Open(*csvPath)
	if err != nil {
		log.Error(err)
		return 2
	}
	defer f.Close()

	report, err := batch.Validate(f, *requireIssuer, *defaultIssuer)
	if err != nil {
		log.Error(err)
		return 2
	}
	printJSON(report)
	if !report.OK {
		return 1
	}
	return 0
}

func runMoveBatch(args []string) int {
	fs := flag.NewFlagSet("move-batch", flag.ExitOnError)
	var cfgFile string
	flags := registerCommon(fs, &cfgFile)
	csvPath := fs.String("csv", "", "CSV: source_study_uid,target_patient_id[,issuer_of_patient_id][,target_study_uid]")
	out := fs.String("out", "", "write results CSV here (local path or gs://bucket/object)")
	dryRun := fs.Bool("dry-run", false, "print what would happen without calling the archive")
	concurrency := fs.Int("concurrency", 0, "number of parallel moves (default 4)")
	fs.Parse(args)

	cfg, err := resolveConfig(cfgFile, *flags)
	if err != nil {
		log.Error(err)
		return 2
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if *csvPath == "" {
		log.Error("-csv is required")
		return 2
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		log.Error(err)
		return 2
	}
	defer f.Close()

	rows, err := batch.NewRows(f, cfg.DefaultIssuer)
	if err != nil {
		log.Error(err)
		return 2
	}
	tasks, err := rows.ReadAll()
	if err != nil {
		log.Error(err)
		return 2
	}

	if *dryRun {
		for _, t := range tasks {
			tgt := t.TargetStudyUID
			if tgt == "" {
				tgt = uid.NewStudyUID(cfg.OrgUIDRoot)
			}
			fmt.Printf("[dry-run] row=%d src=%s -> tgtStudy=%s pid=%s issuer=%s\n",
				t.Row, t.SourceStudyUID, tgt, t.TargetPatientID, t.Issuer)
		}
		return 0
	}

	ctx := context.Background()
	client, mgr, err := setup(ctx, &cfg)
	if err != nil {
		log.Error(err)
		return 2
	}

	results := batch.Dispatch(ctx, tasks, client, mgr, batch.Options{
		Concurrency: cfg.Concurrency,
		GenerateUID: func() string { return uid.NewStudyUID(cfg.OrgUIDRoot) },
		Progress:    printProgress,
	})

	if *out != "" {
		if err := batch.WriteResults(ctx, *out, results); err != nil {
			log.Error(err)
			return 1
		}
		log.Infof("wrote results to %s", *out)
	}

	summary := batch.Summarize(results)
	printJSON(map[string]any{"summary": summary})
	if summary.Error > 0 {
		return 1
	}
	return 0
}

// printProgress writes the live per-completion status line. Dispatch
// serializes calls, so plain Printf is safe here.
func printProgress(r batch.Result) {
	line := fmt.Sprintf("[%s] row=%d src=%s -> tgtStudy=%s pid=%s issuer=%s",
		r.Status, r.Row, r.SourceStudyUID, r.TargetStudyUID, r.TargetPatientID, r.Issuer)
	if r.HTTPStatus != 0 {
		line += fmt.Sprintf(" http=%d", r.HTTPStatus)
	}
	if r.Err != "" {
		line += fmt.Sprintf(" err=%s", r.Err)
	}
	fmt.Println(line)
}

func runScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	dir := fs.String("dir", "", "directory tree of .dcm files to scan")
	out := fs.String("out", "", "write the starter move CSV here (default stdout)")
	fs.Parse(args)

	if *dir == "" {
		log.Error("-dir is required")
		return 2
	}

	studies, err := dicomscan.ScanDir(*dir, log)
	if err != nil {
		log.Error(err)
		return 1
	}
	log.Infof("found %d studies under %s", len(studies), *dir)

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Error(err)
			return 1
		}
		defer f.Close()
		w = f
	}
	if err := dicomscan.WriteMoveCSV(w, studies); err != nil {
		log.Error(err)
		return 1
	}
	return 0
}

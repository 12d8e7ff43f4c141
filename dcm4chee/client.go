// Package dcm4chee is a thin REST client for the dcm4chee archive,
// covering the proprietary study-move endpoint and the QIDO-RS study
// search used by show-study.
package dcm4chee

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// moveCode is the vendor-specific path segment selecting dcm4chee's
// "move to another patient" operation (DICOM code 113037).
const moveCode = "113037^DCM"

// Client talks to one dcm4chee archive AE over its REST interface.
type Client struct {
	baseURL string
	aet     string
	httpc   *http.Client
}

// NewClient creates a client for the archive at baseURL (e.g.
// "https://host:8443") addressing the AE titled aet. insecure disables
// TLS certificate verification for archives with self-signed certs.
func NewClient(baseURL, aet string, timeout time.Duration, insecure bool) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if aet == "" {
		return nil, fmt.Errorf("aet is required")
	}

	httpc := &http.Client{Timeout: timeout}
	if insecure {
		httpc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		aet:     aet,
		httpc:   httpc,
	}, nil
}

// Response is the archive's answer to one REST call.
type Response struct {
	StatusCode int
	Body       Body
}

// OK reports whether the archive accepted the request. dcm4chee
// answers a move with 200 when applied synchronously and 202 when
// queued.
func (r *Response) OK() bool {
	return r.StatusCode == http.StatusOK || r.StatusCode == http.StatusAccepted
}

// MoveRequest describes one study move between patient records.
type MoveRequest struct {
	SourceStudyUID  string
	TargetStudyUID  string
	TargetPatientID string
	IssuerOfPatient string
}

// MoveStudy moves the instances of SourceStudyUID into a (new) study
// TargetStudyUID owned by TargetPatientID:
//
//	POST {base}/dcm4chee-arc/aets/{AET}/rs/studies/{TargetStudyUID}/move/113037^DCM
//	     ?PatientID={pid}&IssuerOfPatientID={issuer}
//	Body: {"StudyInstanceUID": "{SourceStudyUID}"}
//
// AET and target study UID path segments are percent-encoded.
func (c *Client) MoveStudy(ctx context.Context, bearer string, req MoveRequest) (*Response, error) {
	if req.SourceStudyUID == "" || req.TargetStudyUID == "" || req.TargetPatientID == "" {
		return nil, fmt.Errorf("source study UID, target study UID, and target patient ID are required")
	}

	movePath := fmt.Sprintf(
		"/dcm4chee-arc/aets/%s/rs/studies/%s/move/%s",
		url.PathEscape(c.aet),
		url.PathEscape(req.TargetStudyUID),
		url.PathEscape(moveCode),
	)

	q := url.Values{}
	q.Set("PatientID", req.TargetPatientID)
	q.Set("IssuerOfPatientID", req.IssuerOfPatient)

	payload, err := json.Marshal(map[string]string{"StudyInstanceUID": req.SourceStudyUID})
	if err != nil {
		return nil, fmt.Errorf("marshal move payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		c.baseURL+movePath+"?"+q.Encode(),
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("build move request: %w", err)
	}
	setHeaders(httpReq, bearer)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("move study: %w", err)
	}
	defer resp.Body.Close()

	return &Response{StatusCode: resp.StatusCode, Body: decodeBody(resp.Body)}, nil
}

// SearchStudy queries the QIDO-RS studies endpoint for a single
// StudyInstanceUID and returns the archive's response.
func (c *Client) SearchStudy(ctx context.Context, bearer, studyUID string) (*Response, error) {
	if studyUID == "" {
		return nil, fmt.Errorf("studyUID is required")
	}

	q := url.Values{}
	q.Set("StudyInstanceUID", studyUID)

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodGet,
		c.baseURL+"/dcm4chee-arc/aets/"+url.PathEscape(c.aet)+"/rs/studies?"+q.Encode(),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	setHeaders(httpReq, bearer)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search study: %w", err)
	}
	defer resp.Body.Close()

	return &Response{StatusCode: resp.StatusCode, Body: decodeBody(resp.Body)}, nil
}

func setHeaders(req *http.Request, bearer string) {
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
}

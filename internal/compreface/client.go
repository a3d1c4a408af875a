// Package compreface is an HTTP client for the CompreFace face service.
// All calls take a context, respect the configured timeout and are bounded
// by a concurrency limit shared across the process.
package compreface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/config"
)

// facePlugins are requested on every detection and recognition call so a
// single round trip yields gender, age, landmarks, head pose and the
// embedding.
const facePlugins = "landmarks,gender,age,pose,calculator"

// Client handles API calls to the CompreFace service.
type Client struct {
	baseURL      string
	detectKey    string
	recognizeKey string
	limit        int
	detProb      float64
	httpClient   *http.Client
	sem          chan struct{}
}

// NewClient creates a client from the face service configuration.
func NewClient(cfg *config.FaceServiceConfig) *Client {
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		detectKey:    cfg.DetectAPIKey,
		recognizeKey: cfg.RecognizeAPIKey,
		limit:        cfg.DetectionLimit,
		detProb:      cfg.DetProbThreshold,
		httpClient:   &http.Client{Timeout: cfg.Timeout()},
		sem:          make(chan struct{}, maxConcurrency),
	}
}

// detectionQuery builds the common query string for detection and
// recognition calls.
func (c *Client) detectionQuery() string {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.limit))
	query.Set("det_prob_threshold", strconv.FormatFloat(c.detProb, 'g', -1, 64))
	query.Set("face_plugins", facePlugins)
	return query.Encode()
}

// acquire blocks until a concurrency slot is free or the context ends.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, classify(ctx.Err())
	}
}

// DetectFaces detects faces in image bytes.
// POST /api/v1/detection/detect
func (c *Client) DetectFaces(ctx context.Context, imageBytes []byte, filename string) (*DetectionResponse, error) {
	endpoint := fmt.Sprintf("%s/api/v1/detection/detect?%s", c.baseURL, c.detectionQuery())

	var detection DetectionResponse
	if err := c.postMultipart(ctx, endpoint, c.detectKey, imageBytes, filename, &detection); err != nil {
		return nil, err
	}
	return &detection, nil
}

// RecognizeFaces detects and recognizes faces in image bytes against the
// trained subjects.
// POST /api/v1/recognition/recognize
func (c *Client) RecognizeFaces(ctx context.Context, imageBytes []byte, filename string) (*RecognitionResponse, error) {
	endpoint := fmt.Sprintf("%s/api/v1/recognition/recognize?%s", c.baseURL, c.detectionQuery())

	var recognition RecognitionResponse
	if err := c.postMultipart(ctx, endpoint, c.recognizeKey, imageBytes, filename, &recognition); err != nil {
		return nil, err
	}
	return &recognition, nil
}

// VerifyFaces compares a source face image against a target face image and
// returns the best similarity in [0, 1]. Zero means no face matched.
// POST /api/v1/verification/verify
func (c *Client) VerifyFaces(ctx context.Context, sourceBytes, targetBytes []byte) (float64, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, part := range []struct {
		field string
		data  []byte
	}{
		{"source_image", sourceBytes},
		{"target_image", targetBytes},
	} {
		fw, err := writer.CreateFormFile(part.field, part.field+".jpg")
		if err != nil {
			return 0, fmt.Errorf("create form file: %w", err)
		}
		if _, err := fw.Write(part.data); err != nil {
			return 0, fmt.Errorf("write image data: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close multipart writer: %w", err)
	}

	endpoint := c.baseURL + "/api/v1/verification/verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-api-key", c.recognizeKey)

	var verification VerificationResponse
	if err := c.do(req, &verification); err != nil {
		return 0, err
	}

	best := 0.0
	for _, result := range verification.Result {
		for _, match := range result.FaceMatches {
			if match.Similarity > best {
				best = match.Similarity
			}
		}
	}
	return best, nil
}

// AddFace uploads an example face image for a subject.
// POST /api/v1/recognition/faces?subject={subject}
func (c *Client) AddFace(ctx context.Context, subject string, imageBytes []byte, filename string) (*AddFaceResponse, error) {
	endpoint := fmt.Sprintf("%s/api/v1/recognition/faces?subject=%s",
		c.baseURL, url.QueryEscape(subject))

	var added AddFaceResponse
	if err := c.postMultipart(ctx, endpoint, c.recognizeKey, imageBytes, filename, &added); err != nil {
		return nil, err
	}
	return &added, nil
}

// ListSubjects lists all trained subjects.
// GET /api/v1/recognition/subjects
func (c *Client) ListSubjects(ctx context.Context) ([]string, error) {
	var list SubjectListResponse
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/api/v1/recognition/subjects", nil, &list); err != nil {
		return nil, err
	}
	return list.Subjects, nil
}

// AddSubject creates an empty subject.
// POST /api/v1/recognition/subjects
func (c *Client) AddSubject(ctx context.Context, subject string) error {
	payload := map[string]string{"subject": subject}
	var created SubjectResponse
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/recognition/subjects", payload, &created)
}

// RenameSubject renames a subject, keeping its example faces.
// PUT /api/v1/recognition/subjects/{subject}
func (c *Client) RenameSubject(ctx context.Context, oldName, newName string) error {
	endpoint := fmt.Sprintf("%s/api/v1/recognition/subjects/%s", c.baseURL, url.PathEscape(oldName))
	payload := map[string]string{"subject": newName}
	var renamed SubjectResponse
	return c.doJSON(ctx, http.MethodPut, endpoint, payload, &renamed)
}

// DeleteSubject deletes a subject and all its example faces.
// DELETE /api/v1/recognition/subjects/{subject}
func (c *Client) DeleteSubject(ctx context.Context, subject string) error {
	endpoint := fmt.Sprintf("%s/api/v1/recognition/subjects/%s", c.baseURL, url.PathEscape(subject))
	return c.doJSON(ctx, http.MethodDelete, endpoint, nil, nil)
}

// ListFaces lists the stored example faces of a subject.
// GET /api/v1/recognition/faces?subject={subject}
func (c *Client) ListFaces(ctx context.Context, subject string) ([]FaceListItem, error) {
	endpoint := fmt.Sprintf("%s/api/v1/recognition/faces?subject=%s",
		c.baseURL, url.QueryEscape(subject))

	var list FaceListResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &list); err != nil {
		return nil, err
	}
	return list.Faces, nil
}

// DeleteFace deletes a stored example face by image id.
// DELETE /api/v1/recognition/faces/{image_id}
func (c *Client) DeleteFace(ctx context.Context, imageID string) error {
	endpoint := fmt.Sprintf("%s/api/v1/recognition/faces/%s", c.baseURL, url.PathEscape(imageID))
	return c.doJSON(ctx, http.MethodDelete, endpoint, nil, nil)
}

// postMultipart uploads a single file form field and decodes the response.
func (c *Client) postMultipart(ctx context.Context, endpoint, apiKey string, imageBytes []byte, filename string, out any) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(imageBytes); err != nil {
		return fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-api-key", apiKey)

	return c.do(req, out)
}

// doJSON sends a JSON (or empty-body) request and decodes the response.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, payload, out any) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-api-key", c.recognizeKey)

	return c.do(req, out)
}

// do executes the request, classifies failures and decodes the body.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &apperr.ServiceError{
				Class:   apperr.ServiceErrorPermanent,
				Message: fmt.Sprintf("malformed response: %v", err),
				Err:     err,
			}
		}
	}
	return nil
}

// classify maps transport-level failures to service error classes.
func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &apperr.ServiceError{
			Class:   apperr.ServiceErrorTimeout,
			Message: err.Error(),
			Err:     errors.Join(apperr.ErrTimeout, err),
		}
	case errors.Is(err, context.Canceled):
		return &apperr.ServiceError{
			Class:   apperr.ServiceErrorPermanent,
			Message: err.Error(),
			Err:     errors.Join(apperr.ErrCancelled, err),
		}
	default:
		// Connection refused, DNS failure and friends are worth retrying.
		return &apperr.ServiceError{
			Class:   apperr.ServiceErrorTransient,
			Message: err.Error(),
			Err:     err,
		}
	}
}

// classifyStatus maps HTTP status codes to service error classes. 5xx and
// 429 are retryable, other 4xx are caller mistakes.
func classifyStatus(status int, body string) error {
	class := apperr.ServiceErrorPermanent
	if status >= 500 || status == http.StatusTooManyRequests {
		class = apperr.ServiceErrorTransient
	}
	return &apperr.ServiceError{
		Class:      class,
		StatusCode: status,
		Message:    body,
	}
}

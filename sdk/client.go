// Package evalroom is the Go client for the evalroom presentation evaluation API.
//
// The REST calls mirror the service's /v1/sessions surface. Poller implements the
// recommended status polling policy and LiveSession wraps the realtime channel.
package evalroom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/evalroom/pkg/core/session"
)

const (
	defaultBaseURL   = "http://127.0.0.1:8080"
	defaultUserAgent = "evalroom-go"
)

// Client talks to one evalroom server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: newDefaultHTTPClient(),
		logger:     slog.Default(),
		userAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")
	return c
}

// newDefaultHTTPClient leaves http.Client.Timeout unset; request lifetimes come
// from context deadlines so slow uploads are not cut off.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
	}
	return &http.Client{Transport: transport}
}

// SubmitRequest uploads a presentation for one student.
type SubmitRequest struct {
	RollNo   string
	Name     string
	Filename string
	File     io.Reader
}

type SubmitResponse struct {
	SessionID      string        `json:"session_id"`
	State          session.State `json:"state"`
	Message        string        `json:"message"`
	PollIntervalMS int64         `json:"poll_interval_ms,omitempty"`
}

// PollInterval is the server's polling hint, or 0 when it sent none.
func (r *SubmitResponse) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMS) * time.Millisecond
}

type StartResponse struct {
	SessionID        string        `json:"session_id"`
	State            session.State `json:"state"`
	FirstInstruction string        `json:"first_instruction"`
}

// AudioAck is the outcome of one audio segment. Status is "accepted" or
// "duplicate"; Continue=false means the evaluation has ended.
type AudioAck struct {
	Sequence    int64                `json:"sequence"`
	Status      string               `json:"status"`
	Transcript  string               `json:"transcript,omitempty"`
	Response    string               `json:"response,omitempty"`
	Continue    bool                 `json:"continue"`
	Question    string               `json:"question,omitempty"`
	FinalResult *session.FinalResult `json:"final_result,omitempty"`
}

// Session is the full staff view of one evaluation.
type Session struct {
	ID            string                    `json:"id"`
	State         session.State             `json:"state"`
	Message       string                    `json:"message"`
	Subject       session.Subject           `json:"subject"`
	Upload        session.Upload            `json:"upload"`
	SlideCount    int                       `json:"slide_count"`
	SlideIndex    int                       `json:"slide_index"`
	SlideRef      string                    `json:"slide_ref,omitempty"`
	Scores        map[string]float64        `json:"scores"`
	Transcript    []session.TranscriptEntry `json:"transcript"`
	AudioSequence int64                     `json:"audio_sequence"`
	FinalResult   *session.FinalResult      `json:"final_result,omitempty"`
	Failure       *session.Failure          `json:"failure,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

type SessionSummary struct {
	ID        string        `json:"id"`
	State     session.State `json:"state"`
	RollNo    string        `json:"roll_no"`
	Name      string        `json:"name"`
	Total     *float64      `json:"total,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type ListOptions struct {
	State  session.State
	RollNo string
	Limit  int
}

// Submit uploads the presentation and returns once the session is created.
// Processing continues on the server; poll Status until the session is ready.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if req.File == nil {
		return nil, NewInvalidRequestError("file is required")
	}
	body, contentType, err := multipartBody(map[string]string{
		"roll_no": req.RollNo,
		"name":    req.Name,
	}, "file", req.Filename, req.File)
	if err != nil {
		return nil, err
	}
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", contentType, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status is the poll target: current state and a human-readable message.
func (c *Client) Status(ctx context.Context, id string) (*session.Status, error) {
	var out session.Status
	if err := c.do(ctx, http.MethodGet, sessionPath(id, "status"), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Session(ctx context.Context, id string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, sessionPath(id, ""), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.RollNo != "" {
		q.Set("roll_no", opts.RollNo)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/v1/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Start begins the live presentation. The session must be ready.
func (c *Client) Start(ctx context.Context, id string) (*StartResponse, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "start"), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitAudio sends one recorded segment. Sequence numbers start at 1 and must
// increase; resending an accepted sequence returns a "duplicate" ack.
func (c *Client) SubmitAudio(ctx context.Context, id string, sequence int64, audio []byte) (*AudioAck, error) {
	body, contentType, err := multipartBody(map[string]string{
		"sequence": strconv.FormatInt(sequence, 10),
	}, "audio", "segment.webm", bytes.NewReader(audio))
	if err != nil {
		return nil, err
	}
	var out AudioAck
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "audio"), contentType, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangeSlide reports the slide the student is presenting.
func (c *Client) ChangeSlide(ctx context.Context, id string, index int, imageRef string) error {
	payload, err := json.Marshal(struct {
		Index    int    `json:"index"`
		ImageRef string `json:"image_ref,omitempty"`
	}{Index: index, ImageRef: imageRef})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, sessionPath(id, "slide"), "application/json", bytes.NewReader(payload), nil)
}

// Complete ends the presentation and returns the final scores. Completing an
// already completed session returns the stored result.
func (c *Client) Complete(ctx context.Context, id string) (*session.FinalResult, error) {
	var out session.FinalResult
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "complete"), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func sessionPath(id, action string) string {
	p := "/v1/sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func multipartBody(fields map[string]string, fileField, filename string, file io.Reader) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	fw, err := w.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, file); err != nil {
		return nil, "", fmt.Errorf("read %s: %w", fileField, err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

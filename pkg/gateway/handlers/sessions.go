package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/session"
	"github.com/vango-go/evalroom/pkg/gateway/config"
	"github.com/vango-go/evalroom/pkg/gateway/orchestrator"
	"github.com/vango-go/evalroom/pkg/gateway/pipeline"
	"github.com/vango-go/evalroom/pkg/gateway/store"
)

// URLParamSessionID is the chi path parameter carrying the session id.
const URLParamSessionID = "sessionID"

// multipartOverhead is allowed on top of the payload limits for form fields
// and part headers.
const multipartOverhead = 1 << 20

// Sessions is the orchestrator surface the HTTP handlers drive.
type Sessions interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*session.Session, error)
	Status(ctx context.Context, id string) (session.Status, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	List(ctx context.Context, opts store.ListOptions) ([]*session.Session, error)
	Start(ctx context.Context, id string) (*orchestrator.StartResult, error)
	ChangeSlide(ctx context.Context, id string, index int, ref string) (*session.Session, error)
	SubmitSegment(ctx context.Context, seg pipeline.Segment) (*pipeline.Result, error)
	Complete(ctx context.Context, id string) (*session.FinalResult, error)
}

var _ Sessions = (*orchestrator.Orchestrator)(nil)

// SessionsHandler serves the /v1/sessions REST surface.
type SessionsHandler struct {
	Config   config.Config
	Sessions Sessions
	Logger   *slog.Logger
}

type submitResponse struct {
	SessionID      string        `json:"session_id"`
	State          session.State `json:"state"`
	Message        string        `json:"message"`
	PollIntervalMS int64         `json:"poll_interval_ms,omitempty"`
}

// Submit accepts a multipart upload with roll_no, name and file fields.
func (h SessionsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxUploadBytes+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeFormErr(w, r, err, "file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.Config.MaxUploadBytes+1))
	if err != nil {
		writeErr(w, r, h.Logger, err)
		return
	}
	if int64(len(data)) > h.Config.MaxUploadBytes {
		writeCoreErrorJSON(w, requestIDFromContext(r.Context()),
			core.NewInvalidRequestErrorWithParam("presentation file is too large", "file"),
			http.StatusRequestEntityTooLarge)
		return
	}

	s, err := h.Sessions.Submit(r.Context(), orchestrator.SubmitRequest{
		Subject: session.Subject{
			RollNo: r.FormValue("roll_no"),
			Name:   r.FormValue("name"),
		},
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeErr(w, r, h.Logger, err)
		return
	}

	w.Header().Set("Location", "/v1/sessions/"+s.ID+"/status")
	writeJSON(w, http.StatusAccepted, submitResponse{
		SessionID:      s.ID,
		State:          s.State,
		Message:        session.StatusMessage(s.State),
		PollIntervalMS: h.Config.PollIntervalHint.Milliseconds(),
	})
}

func (h SessionsHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.Sessions.Status(r.Context(), chi.URLParam(r, URLParamSessionID))
	if err != nil {
		writeErr(w, r, h.Logger, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, st)
}

// sessionView is the staff view of one session.
type sessionView struct {
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

func viewOf(s *session.Session) sessionView {
	return sessionView{
		ID:            s.ID,
		State:         s.State,
		Message:       session.StatusMessage(s.State),
		Subject:       s.Subject,
		Upload:        s.Upload,
		SlideCount:    len(s.Slides),
		SlideIndex:    s.SlideIndex,
		SlideRef:      s.SlideRef,
		Scores:        s.Scores,
		Transcript:    s.Transcript,
		AudioSequence: s.AudioSequence,
		FinalResult:   s.FinalResult,
		Failure:       s.Failure,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.Get(r.Context(), chi.URLParam(r, URLParamSessionID))
	if err != nil {
		writeErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

type sessionSummary struct {
	ID        string        `json:"id"`
	State     session.State `json:"state"`
	RollNo    string        `json:"roll_no"`
	Name      string        `json:"name"`
	Total     *float64      `json:"total,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type listResponse struct {
	Sessions []sessionSummary `json:"sessions"`
}

// List supports ?state=, ?roll_no= and ?limit= filters.
func (h SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{
		State:  session.State(strings.TrimSpace(q.Get("state"))),
		RollNo: q.Get("roll_no"),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErr(w, r, h.Logger, core.NewInvalidRequestErrorWithParam("limit must be a positive integer", "limit"))
			return
		}
		opts.Limit = n
	}

	list, err := h.Sessions.List(r.Context(), opts)
	if err != nil {
		writeErr(w, r, h.Logger, err)
		return
	}
	resp := listResponse{Sessions: make([]sessionSummary, 0, len(list))}
	for _, s := range list {
		sum := sessionSummary{
			ID:        s.ID,
			State:     s.State,
			RollNo:    s.Subject.RollNo,
			Name:      s.Subject.Name,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		}
		if s.FinalResult != nil {
			total := s.FinalResult.Total
			sum.Total = &total
		}
		resp.Sessions = append(resp.Sessions, sum)
	}
	writeJSON(w, http.StatusOK, resp)
}

type startResponse struct {
	SessionID        string        `json:"session_id"`
	State            session.State `json:"state"`
	FirstInstruction string        `json:"first_instruction"`
}

func (h SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sessions.Start(r.Context(), chi.URLParam(r, URLParamSessionID))
	if err != nil {
		writeErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		SessionID:        res.Session.ID,
		State:            res.Session.State,
		FirstInstruction: res.FirstInstruction,
	})
}

type audioResponse struct {
	Sequence    int64                `json:"sequence"`
	Status      pipeline.Status      `json:"status"`
	Transcript  string               `json:"transcript,omitempty"`
	Response    string               `json:"response,omitempty"`
	Continue    bool                 `json:"continue"`
	Question    string               `json:"question,omitempty"`
	FinalResult *session.FinalResult `json:"final_result,omitempty"`
}

// Audio accepts one multipart audio segment with sequence and audio fields.
func (h SessionsHandler) Audio(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxAudioBytes+multipartOverhead)

	file, header, err := r.FormFile("audio")
	if err != nil {
		h.writeFormErr(w, r, err, "audio")
		return
	}
	defer file.Close()

	seq, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("sequence")), 10, 64)
	if err != nil || seq <= 0 {
		writeErr(w, r, h.Logger, core.NewInvalidRequestErrorWithParam("sequence must be a positive integer", "sequence"))
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.Config.MaxAudioBytes+1))
	if err != nil {
		writeErr(w, r, h.Logger, err)
		return
	}
	if int64(len(data)) > h.Config.MaxAudioBytes {
		writeCoreErrorJSON(w, requestIDFromContext(r.Context()),
			core.NewInvalidRequestErrorWithParam("audio segment is too large", "audio"),
			http.StatusRequestEntityTooLarge)
		return
	}

	res, err := h.Sessions.SubmitSegment(r.Context(), pipeline.Segment{
		SessionID: chi.URLParam(r, URLParamSessionID),
		Sequence:  seq,
		Audio:     data,
		MIMEType:  header.Header.Get("Content-Type"),
	})
	if err != nil {
		writeErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, audioResponse{
		Sequence:    res.Sequence,
		Status:      res.Status,
		Transcript:  res.Transcript,
		Response:    res.Response,
		Continue:    res.Continue,
		Question:    res.Question,
		FinalResult: res.Final,
	})
}

type slideRequest struct {
	Index    *int   `json:"index"`
	ImageRef string `json:"image_ref,omitempty"`
}

const maxSlideBodyBytes = 64 << 10

// Slide is the polling-transport equivalent of the slide_changed frame.
func (h SessionsHandler) Slide(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSlideBodyBytes)

	var req slideRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, r, h.Logger, err)
			return
		}
		writeErr(w, r, h.Logger, core.NewInvalidRequestError("request body must be a JSON object"))
		return
	}
	if req.Index == nil {
		writeErr(w, r, h.Logger, core.NewInvalidRequestErrorWithParam("index is required", "index"))
		return
	}

	if _, err := h.Sessions.ChangeSlide(r.Context(), chi.URLParam(r, URLParamSessionID), *req.Index, req.ImageRef); err != nil {
		writeErr(w, r, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h SessionsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sessions.Complete(r.Context(), chi.URLParam(r, URLParamSessionID))
	if err != nil {
		writeErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h SessionsHandler) writeFormErr(w http.ResponseWriter, r *http.Request, err error, field string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge), errors.Is(err, multipart.ErrMessageTooLarge):
		writeCoreErrorJSON(w, requestIDFromContext(r.Context()), core.NewInvalidRequestError("request body too large"), http.StatusRequestEntityTooLarge)
	case errors.Is(err, http.ErrMissingFile):
		writeErr(w, r, h.Logger, core.NewInvalidRequestErrorWithParam(field+" is required", field))
	case errors.Is(err, http.ErrNotMultipart):
		writeErr(w, r, h.Logger, core.NewInvalidRequestError("request must be multipart/form-data"))
	default:
		writeErr(w, r, h.Logger, core.NewInvalidRequestError("malformed multipart form"))
	}
}

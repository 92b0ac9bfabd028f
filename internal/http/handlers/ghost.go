package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/pipeline"
)

type ghostOptions struct {
	OutputSize          string `json:"outputSize"`
	BackgroundColor     string `json:"backgroundColor"`
	PreserveLabels      bool   `json:"preserveLabels"`
	UseStructuredPrompt *bool  `json:"useStructuredPrompt"`
	RenderingBackend    string `json:"renderingBackend"`
}

type ghostRequest struct {
	Flatlay string       `json:"flatlay"`
	OnModel string       `json:"onModel"`
	Options ghostOptions `json:"options"`
}

type enqueueResponse struct {
	SessionID string           `json:"sessionId"`
	Status    domain.RunStatus `json:"status"`
}

// Ghost runs the whole pipeline inside the request and answers with the
// run result.
func (a *App) Ghost(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeGhostRequest(w, r)
	if !ok {
		return
	}
	result := a.Pipeline.Run(r.Context(), req)
	a.recordRun(r, req, result)

	status := http.StatusOK
	if !result.Succeeded() && result.Error != nil {
		status = result.Error.Code.HTTPStatus()
		if result.Error.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(result.Error.RetryAfterSeconds))
		}
	}
	a.json(w, status, result)
}

// EnqueueGhostJob stores the request for the worker and returns its id.
func (a *App) EnqueueGhostJob(w http.ResponseWriter, r *http.Request) {
	if a.Jobs == nil {
		a.error(w, http.StatusServiceUnavailable, string(domain.CodeConfig), "run store is not configured")
		return
	}
	req, ok := a.decodeGhostRequest(w, r)
	if !ok {
		return
	}
	raw, err := domain.EncodeRequest(req)
	if err != nil {
		a.error(w, http.StatusInternalServerError, string(domain.CodeInternal), "failed to encode request")
		return
	}
	job := &domain.Job{
		ID:          a.newID(),
		Status:      domain.RunQueued,
		Backend:     req.Options.RenderingBackend,
		RequestJSON: raw,
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.logger().Error().Err(err).Msg("handlers: enqueue run failed")
		a.error(w, http.StatusInternalServerError, string(domain.CodeInternal), "failed to queue run")
		return
	}
	w.Header().Set("Location", "/v1/ghost/jobs/"+job.ID)
	a.json(w, http.StatusAccepted, enqueueResponse{SessionID: job.ID, Status: job.Status})
}

type jobResponse struct {
	SessionID string           `json:"sessionId"`
	Status    domain.RunStatus `json:"status"`
	Backend   string           `json:"backend,omitempty"`
	Attempts  int              `json:"attempts"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     *jobError        `json:"error,omitempty"`
	CreatedAt string           `json:"createdAt"`
	UpdatedAt string           `json:"updatedAt"`
}

type jobError struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Stage   domain.Stage     `json:"stage,omitempty"`
}

// GhostJob reports the stored record of a run.
func (a *App) GhostJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJob(w, r)
	if !ok {
		return
	}
	resp := jobResponse{
		SessionID: job.ID,
		Status:    job.Status,
		Backend:   job.Backend,
		Attempts:  job.Attempts,
		Result:    job.ResultJSON,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.ErrorCode != "" {
		resp.Error = &jobError{Code: job.ErrorCode, Message: job.ErrorMessage, Stage: job.FailedStage}
	}
	a.json(w, http.StatusOK, resp)
}

func (a *App) loadJob(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	if a.Jobs == nil {
		a.error(w, http.StatusServiceUnavailable, string(domain.CodeConfig), "run store is not configured")
		return nil, false
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		a.error(w, http.StatusBadRequest, string(domain.CodeValidation), "id required")
		return nil, false
	}
	job, err := a.Jobs.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, domain.CodeNotFound.HTTPStatus(), string(domain.CodeNotFound), "run not found")
		return nil, false
	}
	if err != nil {
		a.logger().Error().Err(err).Str("session_id", id).Msg("handlers: load run failed")
		a.error(w, http.StatusInternalServerError, string(domain.CodeInternal), "failed to load run")
		return nil, false
	}
	return job, true
}

func (a *App) decodeGhostRequest(w http.ResponseWriter, r *http.Request) (domain.Request, bool) {
	var body ghostRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, string(domain.CodeValidation), "request body too large")
			return domain.Request{}, false
		}
		a.error(w, http.StatusBadRequest, string(domain.CodeValidation), "invalid payload")
		return domain.Request{}, false
	}
	req, err := a.toRequest(body)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeValidation), err.Error())
		return domain.Request{}, false
	}
	return req, true
}

func (a *App) toRequest(body ghostRequest) (domain.Request, error) {
	if strings.TrimSpace(body.Flatlay) == "" {
		return domain.Request{}, domain.ErrMissingImage
	}
	flatlay, err := a.parseImage("flatlay", body.Flatlay)
	if err != nil {
		return domain.Request{}, err
	}
	req := domain.Request{
		Flatlay: flatlay,
		Options: domain.Options{
			OutputSize:          body.Options.OutputSize,
			BackgroundColor:     body.Options.BackgroundColor,
			PreserveLabels:      body.Options.PreserveLabels,
			UseStructuredPrompt: true,
			RenderingBackend:    body.Options.RenderingBackend,
		},
	}
	if body.Options.UseStructuredPrompt != nil {
		req.Options.UseStructuredPrompt = *body.Options.UseStructuredPrompt
	}
	if strings.TrimSpace(body.OnModel) != "" {
		onModel, err := a.parseImage("onModel", body.OnModel)
		if err != nil {
			return domain.Request{}, err
		}
		req.OnModel = &onModel
	}
	return req, nil
}

func (a *App) parseImage(field, raw string) (domain.ImageRef, error) {
	ref, err := domain.ParseImageRef(raw)
	if err != nil {
		return domain.ImageRef{}, fmt.Errorf("%s: %w", field, err)
	}
	if ref.Inline() || a.Config == nil || !a.Config.RestrictImageSources {
		return ref, nil
	}
	u, err := url.Parse(ref.URL)
	if err != nil {
		return domain.ImageRef{}, fmt.Errorf("%s: %w", field, err)
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range a.Config.ImageSourceAllowlist {
		if host == allowed {
			return ref, nil
		}
	}
	return domain.ImageRef{}, fmt.Errorf("%s: host %q is not allowed", field, host)
}

// recordRun stores a finished synchronous run. The response does not
// depend on it.
func (a *App) recordRun(r *http.Request, req domain.Request, result *pipeline.RunResult) {
	if a.Jobs == nil || result == nil {
		return
	}
	log := a.logger().With().Str("session_id", result.SessionID).Logger()
	raw, err := domain.EncodeRequest(req)
	if err != nil {
		log.Warn().Err(err).Msg("handlers: encode request for record failed")
		return
	}
	outcome, err := result.Outcome()
	if err != nil {
		log.Warn().Err(err).Msg("handlers: encode result for record failed")
		return
	}
	job := &domain.Job{
		ID:           result.SessionID,
		Status:       outcome.Status,
		Backend:      outcome.Backend,
		RequestJSON:  raw,
		ResultJSON:   outcome.ResultJSON,
		StageJSON:    outcome.StageJSON,
		ErrorCode:    outcome.ErrorCode,
		ErrorMessage: outcome.ErrorMessage,
		FailedStage:  outcome.FailedStage,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()
	if err := a.Jobs.Create(ctx, job); err != nil {
		log.Warn().Err(err).Msg("handlers: record run failed")
	}
}

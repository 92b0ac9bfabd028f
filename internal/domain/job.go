package domain

import (
	"encoding/json"
	"time"
)

// Job is the persisted record of one ghost-mannequin run. Async runs are
// enqueued as queued jobs; synchronous runs are written once they finish.
type Job struct {
	ID           string
	Status       RunStatus
	Backend      string
	RequestJSON  json.RawMessage
	ResultJSON   json.RawMessage
	StageJSON    json.RawMessage
	ErrorCode    ErrorCode
	ErrorMessage string
	FailedStage  Stage
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Finished reports whether the job reached a terminal status.
func (j *Job) Finished() bool {
	return j.Status == RunCompleted || j.Status == RunFailed
}

// JobOutcome is written when a run ends.
type JobOutcome struct {
	Status       RunStatus
	Backend      string
	ResultJSON   json.RawMessage
	StageJSON    json.RawMessage
	ErrorCode    ErrorCode
	ErrorMessage string
	FailedStage  Stage
}

// StoredRequest is the JSON shape of a queued request. Image bytes are kept
// as data URIs so the queue survives a restart.
type StoredRequest struct {
	Flatlay string  `json:"flatlay"`
	OnModel string  `json:"onModel,omitempty"`
	Options Options `json:"options"`
}

// EncodeRequest serializes req for the job queue.
func EncodeRequest(req Request) (json.RawMessage, error) {
	stored := StoredRequest{Flatlay: req.Flatlay.DataURI(), Options: req.Options}
	if req.HasOnModel() {
		stored.OnModel = req.OnModel.DataURI()
	}
	return json.Marshal(stored)
}

// DecodeRequest restores a request written by EncodeRequest.
func DecodeRequest(raw json.RawMessage) (Request, error) {
	var stored StoredRequest
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Request{}, err
	}
	flatlay, err := ParseImageRef(stored.Flatlay)
	if err != nil {
		return Request{}, err
	}
	req := Request{Flatlay: flatlay, Options: stored.Options}
	if stored.OnModel != "" {
		onModel, err := ParseImageRef(stored.OnModel)
		if err != nil {
			return Request{}, err
		}
		req.OnModel = &onModel
	}
	return req, nil
}

// Package confirm talks to the external confirmation endpoint. It sends a
// user-edited record and returns the authoritative normalized payload; the
// engine decides what to do with it.
package confirm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"dispatchd/internal/canonical"
	"dispatchd/internal/record"
)

// Overrides carries the operator's manual edits submitted alongside the
// record. Zero-valued fields are omitted from the request.
type Overrides struct {
	EmergencyType string           `json:"emergencyType,omitempty"`
	EmergencyTags []string         `json:"emergencyTags,omitempty"`
	Transcript    string           `json:"transcript,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	Location      *record.Location `json:"location,omitempty"`
}

type Client struct {
	endpoint string
	http     *http.Client
	log      *zap.Logger
}

func NewClient(endpoint string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{endpoint: endpoint, http: &http.Client{Timeout: timeout}, log: log}
}

type request struct {
	ID            string           `json:"id,omitempty"`
	Address       string           `json:"address,omitempty"`
	CreatedAt     string           `json:"createdAt,omitempty"`
	EmergencyType string           `json:"emergencyType,omitempty"`
	EmergencyTags []string         `json:"emergencyTags,omitempty"`
	Transcript    string           `json:"transcript,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	Location      *record.Location `json:"location,omitempty"`
}

// Confirm pushes the record plus overrides and returns the authoritative
// response payload. The record is addressed by id, with the address as the
// match fallback for records created manually.
func (c *Client) Confirm(ctx context.Context, rec record.IncidentRecord, ov Overrides) (canonical.Raw, error) {
	body := request{
		ID:            rec.ID,
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339),
		EmergencyType: ov.EmergencyType,
		EmergencyTags: ov.EmergencyTags,
		Transcript:    ov.Transcript,
		Notes:         ov.Notes,
		Location:      ov.Location,
	}
	if body.Location == nil {
		body.Location = rec.Location
	}
	if rec.Location != nil {
		body.Address = rec.Location.Address
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "confirm: marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "confirm: request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "confirm: transport")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Errorf("confirm: status %d", resp.StatusCode)
	}

	var raw canonical.Raw
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, eris.Wrap(err, "confirm: decode")
	}
	c.log.Debug("confirmation accepted", zap.String("id", rec.ID))
	return raw, nil
}

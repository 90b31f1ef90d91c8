// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package serverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one connectivity candidate returned by the server.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// OfferRequest is the body of POST /api/rtc_offer.
type OfferRequest struct {
	SDP      SessionDescription `json:"sdp"`
	Exercise string             `json:"exercise"`
}

// OfferResponse carries the remote description and its candidates.
type OfferResponse struct {
	SDP           SessionDescription `json:"sdp"`
	ICECandidates []Candidate        `json:"ice_candidates"`
}

const offerResponseSchema = `{
  "type": "object",
  "required": ["sdp"],
  "properties": {
    "sdp": {
      "type": "object",
      "required": ["type", "sdp"],
      "properties": {
        "type": {"enum": ["answer", "pranswer"]},
        "sdp": {"type": "string", "minLength": 1}
      }
    },
    "ice_candidates": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["candidate"],
        "properties": {
          "candidate": {"type": "string"},
          "sdpMid": {"type": ["string", "null"]},
          "sdpMLineIndex": {"type": ["integer", "null"], "minimum": 0, "maximum": 65535}
        }
      }
    }
  }
}`

var offerSchema = jsonschema.MustCompileString("offer_response.json", offerResponseSchema)

// Offer performs exactly one signaling exchange. It is never retried: a
// transport error, a non-2xx status or a malformed answer are all ErrSignaling.
func (c *Client) Offer(ctx context.Context, req OfferRequest) (*OfferResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode offer: %v", ErrSignaling, err)
	}

	status, body, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/rtc_offer",
		body:        payload,
		maxAttempts: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: offer returned status %d", ErrSignaling, status)
	}
	return decodeOfferResponse(body)
}

func decodeOfferResponse(body []byte) (*OfferResponse, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrSignaling, ErrInvalidResponse, err)
	}
	if err := offerSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrSignaling, ErrInvalidResponse, err)
	}

	var resp OfferResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrSignaling, ErrInvalidResponse, err)
	}
	return &resp, nil
}

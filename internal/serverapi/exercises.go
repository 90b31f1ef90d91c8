// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package serverapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Exercise is one entry of the server's exercise catalog.
type Exercise struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListExercises fetches the catalog. Concurrent callers share one in-flight
// request. 5xx responses and transport errors are retried.
func (c *Client) ListExercises(ctx context.Context) ([]Exercise, error) {
	v, err, _ := c.catalog.Do("exercises", func() (interface{}, error) {
		return c.fetchExercises(ctx)
	})
	if err != nil {
		return nil, err
	}
	list := v.([]Exercise)
	out := make([]Exercise, len(list))
	copy(out, list)
	return out, nil
}

func (c *Client) fetchExercises(ctx context.Context) ([]Exercise, error) {
	status, body, err := c.do(ctx, request{
		method:      http.MethodGet,
		path:        "/api/exercises",
		maxAttempts: c.maxRetries + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: api returned status %d", ErrUpstreamUnavailable, status)
	}

	var list []Exercise
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: decode exercises: %v", ErrInvalidResponse, err)
	}
	filtered := list[:0]
	for _, e := range list {
		if e.ID != "" {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

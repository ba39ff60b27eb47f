// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
)

// modelsResponse is the body of both model endpoints. Entries are usually
// plain names; some providers return objects with a name or id.
type modelsResponse struct {
	Models []json.RawMessage `json:"models"`
}

func (r modelsResponse) names() []string {
	names := make([]string, 0, len(r.Models))
	for _, raw := range r.Models {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			if name != "" {
				names = append(names, name)
			}
			continue
		}
		var obj struct {
			Name string `json:"name"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			switch {
			case obj.Name != "":
				names = append(names, obj.Name)
			case obj.ID != "":
				names = append(names, obj.ID)
			}
		}
	}
	return names
}

// errEmptyProvider is returned when no provider was given.
var errEmptyProvider = errors.New("model provider is required")

// ListModels returns the models the server offers for provider.
func (c *Client) ListModels(ctx context.Context, provider string) ([]string, error) {
	if provider == "" {
		return nil, errEmptyProvider
	}
	var out modelsResponse
	q := url.Values{"model_provider": {provider}}
	if err := c.doJSON(ctx, http.MethodGet, "/chat/models", q, nil, &out); err != nil {
		return nil, err
	}
	return out.names(), nil
}

// UpdateModels replaces the server's model list for provider and returns the
// list the server now holds.
func (c *Client) UpdateModels(ctx context.Context, provider string, names []string) ([]string, error) {
	if provider == "" {
		return nil, errEmptyProvider
	}
	var out modelsResponse
	q := url.Values{"model_provider": {provider}, "model_names": names}
	if err := c.doJSON(ctx, http.MethodPost, "/chat/models/update", q, nil, &out); err != nil {
		return nil, err
	}
	return out.names(), nil
}

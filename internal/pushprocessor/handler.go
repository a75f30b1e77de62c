// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pushprocessor

import (
	"encoding/json"
	"net/http"

	"github.com/juju/zerocache/core/protocol"
)

// Handler exposes the processor as the push endpoint the cache POSTs
// to. An optional API key is checked against the X-Api-Key header.
func Handler(p *Processor, apiKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if apiKey != "" && r.Header.Get("X-Api-Key") != apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var push protocol.PushBody
		if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		result := p.Process(ctx, push)
		w.Header().Set("Content-Type", "application/json")
		var payload any
		if result.Err != nil {
			payload = result.Err
		} else {
			payload = result.Response
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			p.cfg.Logger.Warningf(ctx, "writing push response: %v", err)
		}
	})
}

// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"encoding/json"
	"net/http"

	"github.com/flexrun/flexrun/lib/elastic/discovery"
	"github.com/flexrun/flexrun/lib/elastic/worker"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServeHTTP serves the management API.
func (ex *Executor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex.httpHandler.ServeHTTP(w, r)
}

func (ex *Executor) buildHandler() http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/flexrun/v1/hosts", ex.apiHosts)
	mux.HandlerFunc("GET", "/flexrun/v1/workers", ex.apiWorkers)
	metricsH := promhttp.HandlerFor(ex.reg, promhttp.HandlerOpts{
		ErrorLog: ex.logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	return mux
}

// Management API: all discovered hosts, including blacklisted ones.
func (ex *Executor) apiHosts(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []discovery.HostView `json:"items"`
	}
	resp.Items = ex.discovery.HostViews()
	json.NewEncoder(w).Encode(resp)
}

// Management API: all supervised worker instances.
func (ex *Executor) apiWorkers(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []worker.View `json:"items"`
	}
	resp.Items = ex.WorkerViews()
	json.NewEncoder(w).Encode(resp)
}

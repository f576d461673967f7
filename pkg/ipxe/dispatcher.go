// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

// Package ipxe is the iPXE dispatcher (spec.md §4.6, C6): the one HTTP route
// booting firmware hits to fetch its boot script.
package ipxe

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/cloudboot/cloudboot/pkg/model"
)

// store is the subset of *store.Store the dispatcher depends on.
type store interface {
	GetHostBySerial(ctx context.Context, serial string) (*model.Host, bool, error)
	IPXEScriptPathForOS(ctx context.Context, os string) (string, bool, error)
}

// Dispatcher answers GET /api/ipxe/{serial} (spec.md §4.6).
type Dispatcher struct {
	Store    store
	Logger   *log.Logger
	readFile func(string) ([]byte, error)
}

// New returns a Dispatcher backed by s.
func New(s store, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "ipxe: ", log.LstdFlags)
	}
	return &Dispatcher{Store: s, Logger: logger, readFile: os.ReadFile}
}

// Mount registers the dispatcher's route on r.
func (d *Dispatcher) Mount(r chi.Router) {
	r.Get("/api/ipxe/{serial}", d.ServeScript)
}

// ServeScript implements the four-step resolution algorithm in spec.md §4.6:
// a Host in RebootingToKickstart, a registered iPXE entry for its os, and a
// readable script file, in that order — any failure short-circuits to an
// empty-body 404 or 500 so the firmware can tell "retry later" from
// "investigate the server" (spec.md §7).
func (d *Dispatcher) ServeScript(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	host, ok, err := d.Store.GetHostBySerial(r.Context(), serial)
	if err != nil {
		d.Logger.Printf("lookup host %s failed: %v", serial, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok || host.InstallProgress != model.RebootingToKickstart {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if host.OS == nil || *host.OS == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	scriptPath, ok, err := d.Store.IPXEScriptPathForOS(r.Context(), *host.OS)
	if err != nil {
		d.Logger.Printf("lookup ipxe entry for os %s failed: %v", *host.OS, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	body, err := d.readFile(scriptPath)
	if err != nil {
		d.Logger.Printf("read ipxe script %s for serial %s failed: %v", scriptPath, serial, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	d.Logger.Printf("offering iPXE script for %s", serial)
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck
}

package dnssd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/salutego/salute/common"
)

func badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
	common.Log.Infof("[dnssd http] %v", err)
}

// HandleHTTP attaches the registry's admin API to a router:
// inspecting, publishing and withdrawing services over HTTP.
func (reg *Registry) HandleHTTP(router *mux.Router) {
	// handles created over HTTP are addressed by FQDN afterward
	var (
		handlesLock sync.Mutex
		handles     = make(map[string]*Registration)
	)

	router.Methods("GET").Path("/services").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reg.Published()); err != nil {
			badRequest(w, fmt.Errorf("error marshalling response: %v", err))
		}
	})

	router.Methods("POST").Path("/services").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cfg Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			badRequest(w, fmt.Errorf("unable to parse service config: %v", err))
			return
		}
		handle, err := reg.Publish(cfg)
		if err != nil {
			badRequest(w, fmt.Errorf("unable to publish: %v", err))
			return
		}
		svc := handle.Service()
		handlesLock.Lock()
		handles[svc.FQDN] = handle
		handlesLock.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(svc); err != nil {
			common.Log.Infof("[dnssd http] error marshalling response: %v", err)
		}
	})

	router.Methods("DELETE").Path("/services/{fqdn}").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fqdn := mux.Vars(r)["fqdn"]
		handlesLock.Lock()
		handle, found := handles[fqdn]
		delete(handles, fqdn)
		handlesLock.Unlock()
		if !found {
			http.Error(w, "unknown service", http.StatusNotFound)
			return
		}
		if err := reg.Unpublish(handle); err != nil {
			badRequest(w, fmt.Errorf("unable to unpublish: %v", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	router.Methods("DELETE").Path("/services").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlesLock.Lock()
		handles = make(map[string]*Registration)
		handlesLock.Unlock()
		if err := reg.UnpublishAll(); err != nil {
			badRequest(w, fmt.Errorf("unable to unpublish: %v", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

package coremain

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/lpcache/pkg/kv_store"
	"github.com/pmkol/lpcache/pkg/tiered_cache"
)

const maxPayloadBytes = 1 << 20

type apiHandler struct {
	r      *Registry
	logger *zap.Logger
}

// registerAPI mounts the cache API on mux.
func registerAPI(mux *http.ServeMux, r *Registry, lg *zap.Logger) {
	h := &apiHandler{r: r, logger: lg}
	mux.HandleFunc("GET /cache/{ns}/{key...}", h.get)
	mux.HandleFunc("PUT /cache/{ns}/{key...}", h.put)
	mux.HandleFunc("DELETE /cache/{ns}/{key...}", h.del)
	mux.HandleFunc("DELETE /cache/{ns}", h.clear)
	mux.HandleFunc("GET /stats", h.stats)
	mux.HandleFunc("POST /cleanup", h.cleanup)
}

func (h *apiHandler) namespace(w http.ResponseWriter, req *http.Request) (NamespaceConfig, bool) {
	ns, ok := h.r.Namespace(req.PathValue("ns"))
	if !ok {
		http.Error(w, "unknown namespace", http.StatusNotFound)
	}
	return ns, ok
}

func (h *apiHandler) get(w http.ResponseWriter, req *http.Request) {
	ns, ok := h.namespace(w, req)
	if !ok {
		return
	}
	key := req.PathValue("key")

	var v Payload
	if ns.Backend == backendCookie {
		s, cb, err := h.r.CookieStore(ns.Name, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		v = s.Get(key, nil)
		cb.Flush(w)
	} else {
		c, _ := h.r.Cache(ns.Name)
		v = c.Get(key, nil)
	}

	if v == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(v)
}

func (h *apiHandler) put(w http.ResponseWriter, req *http.Request) {
	ns, ok := h.namespace(w, req)
	if !ok {
		return
	}
	key := req.PathValue("key")

	body, err := io.ReadAll(io.LimitReader(req.Body, maxPayloadBytes+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxPayloadBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "payload is not json", http.StatusBadRequest)
		return
	}

	q := req.URL.Query()
	var opts tiered_cache.SetOpts
	if s := q.Get("ttl"); len(s) > 0 {
		if opts.TTL, err = time.ParseDuration(s); err != nil || opts.TTL <= 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
	}
	opts.Persistent = ns.Persistent
	if s := q.Get("persistent"); len(s) > 0 {
		if opts.Persistent, err = strconv.ParseBool(s); err != nil {
			http.Error(w, "invalid persistent", http.StatusBadRequest)
			return
		}
	}

	if ns.Backend == backendCookie {
		s, cb, err := h.r.CookieStore(ns.Name, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = time.Duration(ns.DefaultTTL) * time.Second
		}
		if !s.Set(key, body, kv_store.SetOpts{ExpiresAt: s.Codec().Now().Add(ttl)}) {
			http.Error(w, "record rejected", http.StatusInsufficientStorage)
			return
		}
		cb.Flush(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	c, _ := h.r.Cache(ns.Name)
	c.Set(key, body, opts)
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) del(w http.ResponseWriter, req *http.Request) {
	ns, ok := h.namespace(w, req)
	if !ok {
		return
	}
	key := req.PathValue("key")
	if ns.Backend == backendCookie {
		s, cb, err := h.r.CookieStore(ns.Name, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.Remove(key)
		cb.Flush(w)
	} else {
		c, _ := h.r.Cache(ns.Name)
		c.Delete(key)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) clear(w http.ResponseWriter, req *http.Request) {
	ns, ok := h.namespace(w, req)
	if !ok {
		return
	}
	if ns.Backend == backendCookie {
		s, cb, err := h.r.CookieStore(ns.Name, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.Clear()
		cb.Flush(w)
	} else {
		c, _ := h.r.Cache(ns.Name)
		c.Clear()
	}
	h.logger.Info("namespace cleared", zap.String("namespace", ns.Name))
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) stats(w http.ResponseWriter, req *http.Request) {
	h.writeJSON(w, h.r.Stats())
}

func (h *apiHandler) cleanup(w http.ResponseWriter, req *http.Request) {
	h.writeJSON(w, map[string]int{"removed": h.r.Cleanup()})
}

func (h *apiHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

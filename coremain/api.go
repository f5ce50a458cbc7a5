package coremain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/churchfleet/fleetcache/pkg/sw"
	"github.com/churchfleet/fleetcache/pkg/utils"
	"github.com/churchfleet/fleetcache/pkg/valuecache"
)

const (
	swInfoKey      = "sw:info"
	maxMessageSize = 64 << 10
)

func (m *Fleetcache) registerAPI() {
	m.httpAPIMux.HandleFunc("GET /cache/stats", m.handleCacheStats)
	m.httpAPIMux.HandleFunc("POST /cache/optimize", m.handleCacheOptimize)
	m.httpAPIMux.HandleFunc("POST /cache/clear", m.handleCacheClear)
	m.httpAPIMux.HandleFunc("POST /cache/invalidate", m.handleCacheInvalidate)
	m.httpAPIMux.HandleFunc("POST /sw/message", m.handleSWMessage)
	m.httpAPIMux.HandleFunc("GET /sw/info", m.handleSWInfo)
	m.httpAPIMux.HandleFunc("GET /sw/status", m.handleSWStatus)
}

func (m *Fleetcache) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Warn("failed to write api response", zap.Error(err))
	}
}

func (m *Fleetcache) writeError(w http.ResponseWriter, status int, err error) {
	m.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (m *Fleetcache) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, m.values.Stats())
}

func (m *Fleetcache) handleCacheOptimize(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]int{"removed": m.values.Optimize()})
}

func (m *Fleetcache) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	m.values.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Fleetcache) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if len(pattern) == 0 {
		m.writeError(w, http.StatusBadRequest, errors.New("missing pattern"))
		return
	}
	n, err := m.values.InvalidatePattern(pattern)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// handleSWMessage is the control channel over http. The body is a message,
// the reply is written back as is.
func (m *Fleetcache) handleSWMessage(w http.ResponseWriter, r *http.Request) {
	var msg sw.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&msg); err != nil {
		m.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid message: %w", err))
		return
	}
	reply := sw.SendMessage(r.Context(), m.registration, msg, sw.DefaultMessageTimeout)
	status := http.StatusOK
	if reply.Type == sw.MessageError {
		status = http.StatusUnprocessableEntity
	}
	// Cache info is memoized, drop it once the caches changed.
	if msg.Type == sw.MessageClearCache || msg.Type == sw.MessageForceCacheUpdate {
		m.values.Delete(swInfoKey)
	}
	m.writeJSON(w, status, reply)
}

// handleSWInfo serves the cache info of the controlling worker, memoized
// for a few seconds since each query reads the first entries of every
// store.
func (m *Fleetcache) handleSWInfo(w http.ResponseWriter, r *http.Request) {
	info, err := valuecache.Prefetch[map[string]sw.CacheInfo](r.Context(), m.values, swInfoKey, m.loadCacheInfo, utils.Seconds(m.cfg.ValueCache.InfoTTL))
	if err != nil {
		m.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	m.writeJSON(w, http.StatusOK, info)
}

func (m *Fleetcache) loadCacheInfo(ctx context.Context) (map[string]sw.CacheInfo, error) {
	reply := sw.SendMessage(ctx, m.registration, sw.Message{Type: sw.MessageGetCacheInfo}, sw.DefaultMessageTimeout)
	if reply.Type != sw.MessageCacheInfo {
		return nil, fmt.Errorf("unexpected reply %s: %v", reply.Type, reply.Data)
	}
	info, ok := reply.Data.(map[string]sw.CacheInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected cache info type %T", reply.Data)
	}
	return info, nil
}

type workerStatus struct {
	Version string   `json:"version"`
	State   string   `json:"state"`
	Caches  []string `json:"caches"`
}

func statusOf(w *sw.Worker) *workerStatus {
	if w == nil {
		return nil
	}
	return &workerStatus{
		Version: w.Config().Version,
		State:   w.State().String(),
		Caches:  w.Config().CacheNames(),
	}
}

func (m *Fleetcache) handleSWStatus(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]*workerStatus{
		"active":  statusOf(m.registration.Controller()),
		"waiting": statusOf(m.registration.Waiting()),
	})
}

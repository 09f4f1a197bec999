package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kylerisse/nodectl/pkg/check"
	"github.com/kylerisse/nodectl/pkg/issue"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/verify"
)

const maxBodyBytes = 4096

// SummaryResponse counts nodes by state alongside check health.
type SummaryResponse struct {
	Nodes   int                             `json:"nodes"`
	Fresh   int                             `json:"fresh"`
	Stale   int                             `json:"stale"`
	Pending int                             `json:"pending"`
	Health  Health                          `json:"health"`
	Checks  map[string]check.StatusSnapshot `json:"checks"`
}

// HealthResponse is the body of /api/health.
type HealthResponse struct {
	Health Health                          `json:"health"`
	Checks map[string]check.StatusSnapshot `json:"checks"`
}

// PowerRequest is the body of a power request.
type PowerRequest struct {
	Rails []string `json:"rails"`
	Value string   `json:"value"`
}

// CommandResponse acknowledges a queued command.
type CommandResponse struct {
	Node  node.ID     `json:"node_id"`
	Rails []node.Rail `json:"rails,omitempty"`
	Value string      `json:"value,omitempty"`
	Reset bool        `json:"reset,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// storeError answers a failed store read or write.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Errorf("API %s %s: %v", r.Method, r.URL.Path, err)
	writeError(w, http.StatusServiceUnavailable, "store unavailable")
}

// handleAPI returns every node keyed by id.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.loadNodes(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	out := make(map[string]NodeAPIResponse, len(nodes))
	for _, n := range nodes {
		out[n.Status.ID.String()] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func pathID(w http.ResponseWriter, r *http.Request) (node.ID, bool) {
	id, err := node.ParseID(r.PathValue("id"))
	if err != nil || !id.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid node id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

// handleNodeAPI returns one node.
func (s *Server) handleNodeAPI(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := s.loadNode(r.Context(), id)
	if errors.Is(err, errNodeNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("node %d not found", id))
		return
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleSummaryAPI counts fresh, stale and pending nodes.
func (s *Server) handleSummaryAPI(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.loadNodes(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	h, snaps := s.health()
	sum := SummaryResponse{Nodes: len(nodes), Health: h, Checks: snaps}
	for _, n := range nodes {
		if n.Stale {
			sum.Stale++
		} else {
			sum.Fresh++
		}
		if len(n.Pending) > 0 {
			sum.Pending++
		}
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleHealthAPI reports check health. Down answers 503 so load balancers
// and probes can use it directly.
func (s *Server) handleHealthAPI(w http.ResponseWriter, _ *http.Request) {
	h, snaps := s.health()
	code := http.StatusOK
	if h == HealthDown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{Health: h, Checks: snaps})
}

// handlePower queues a power command for one node.
func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req PowerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if len(req.Rails) == 0 {
		writeError(w, http.StatusBadRequest, "no rails given")
		return
	}
	rails := make([]node.Rail, 0, len(req.Rails))
	for _, name := range req.Rails {
		rail, err := node.ParseRail(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rails = append(rails, rail)
	}
	value, ok := node.NormalizeValue(req.Value)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("value %q must be on or off", req.Value))
		return
	}

	applied, err := s.issuer.Power(r.Context(), issue.Request{IDs: []node.ID{id}, Rails: rails, Value: value})
	if err != nil {
		if errors.Is(err, issue.ErrInvalidNode) || errors.Is(err, issue.ErrInvalidValue) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.storeError(w, r, err)
		return
	}
	s.logger.Infof("API: node %d power %v %s from %s", id, applied, value, r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, CommandResponse{Node: id, Rails: applied, Value: value})
}

// handleReset queues a controller reset for one node.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.issuer.Reset(r.Context(), []node.ID{id}); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.logger.Infof("API: node %d reset from %s", id, r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, CommandResponse{Node: id, Reset: true})
}

// handleVerify classifies nodes against an expected rail state given as
// query parameters, for example ?nodes=0-3&rails=fem,pam&value=on.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ids, err := issue.ParseIDs(q.Get("nodes"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var rails []node.Rail
	for _, name := range strings.Split(q.Get("rails"), ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		rail, err := node.ParseRail(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rails = append(rails, rail)
	}
	if len(rails) == 0 {
		writeError(w, http.StatusBadRequest, "no rails given")
		return
	}
	value, ok := node.NormalizeValue(q.Get("value"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("value %q must be on or off", q.Get("value")))
		return
	}

	rep, err := s.checker.Check(r.Context(), verify.Expect(ids, rails, value == node.On))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

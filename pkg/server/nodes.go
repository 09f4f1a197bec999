package server

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/kylerisse/nodectl/pkg/check"
	"github.com/kylerisse/nodectl/pkg/node"
)

var errNodeNotFound = errors.New("node not found")

// NodeAPIResponse is the API view of one node.
type NodeAPIResponse struct {
	Status node.Status `json:"status"`
	// AgeSeconds is -1 when the node has never reported a timestamp.
	AgeSeconds float64               `json:"age_seconds"`
	Stale      bool                  `json:"stale"`
	Pending    []string              `json:"pending,omitempty"`
	Last       map[string]node.Audit `json:"last,omitempty"`
}

// loadNodes reads every node with a usable status hash, ordered by id.
func (s *Server) loadNodes(ctx context.Context) ([]NodeAPIResponse, error) {
	keys, err := s.store.Keys(ctx, node.StatusPattern)
	if err != nil {
		return nil, err
	}

	statuses := make(map[node.ID]node.Status, len(keys))
	var ids []node.ID
	for _, k := range keys {
		h, err := s.store.HGetAll(ctx, k)
		if err != nil {
			return nil, err
		}
		if len(h) < node.MinStatusFields {
			continue
		}
		id, err := node.ParseID(h[node.FieldNodeID])
		if err != nil || !id.Valid() {
			s.logger.Debugf("Skipping %s with node id %q", k, h[node.FieldNodeID])
			continue
		}
		if _, dup := statuses[id]; dup {
			continue
		}
		statuses[id] = node.StatusFromHash(h)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return s.describe(ctx, ids, statuses)
}

// loadNode reads a single node.
func (s *Server) loadNode(ctx context.Context, id node.ID) (NodeAPIResponse, error) {
	h, err := s.store.HGetAll(ctx, node.StatusKey(id))
	if err != nil {
		return NodeAPIResponse{}, err
	}
	if len(h) < node.MinStatusFields {
		return NodeAPIResponse{}, errNodeNotFound
	}
	out, err := s.describe(ctx, []node.ID{id}, map[node.ID]node.Status{id: node.StatusFromHash(h)})
	if err != nil {
		return NodeAPIResponse{}, err
	}
	return out[0], nil
}

func (s *Server) describe(ctx context.Context, ids []node.ID, statuses map[node.ID]node.Status) ([]NodeAPIResponse, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pending, err := s.issuer.Pending(ctx, ids)
	if err != nil {
		return nil, err
	}
	last, err := s.issuer.LastCommands(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	out := make([]NodeAPIResponse, 0, len(ids))
	for _, id := range ids {
		st := statuses[id]
		st.ID = id
		age := -1.0
		if !st.Timestamp.IsZero() {
			age = st.Age(now).Seconds()
		}
		resp := NodeAPIResponse{
			Status:     st,
			AgeSeconds: age,
			Stale:      st.Stale(now, s.staleAfter),
			Pending:    pending[id],
		}
		if l := last[id]; len(l) > 0 {
			resp.Last = l
		}
		out = append(out, resp)
	}
	return out, nil
}

// Health is the aggregate state of the server's checks. The string values
// are stable for monitoring: "unknown", "up", "degraded", "down".
type Health string

const (
	// HealthUnknown means no checks are configured or none has reported.
	HealthUnknown Health = "unknown"
	// HealthUp means every check is up with a recent result.
	HealthUp Health = "up"
	// HealthDegraded means some checks are up and some are down or stale.
	HealthDegraded Health = "degraded"
	// HealthDown means every check is down.
	HealthDown Health = "down"
)

// computeHealth aggregates check snapshots. A check counts as up only if it
// is alive and its last update is strictly newer than now minus window.
func computeHealth(snapshots map[string]check.StatusSnapshot, now time.Time, window time.Duration) Health {
	if len(snapshots) == 0 {
		return HealthUnknown
	}

	cutoff := now.Add(-window).Unix()
	up, down, reported := 0, 0, 0
	for _, snap := range snapshots {
		if snap.LastUpdate > 0 {
			reported++
		}
		if snap.Alive && snap.LastUpdate > 0 && snap.LastUpdate > cutoff {
			up++
		} else {
			down++
		}
	}

	switch {
	case down == 0:
		return HealthUp
	case up > 0:
		return HealthDegraded
	case reported == 0:
		return HealthUnknown
	default:
		return HealthDown
	}
}

// health aggregates the current check statuses. A result older than three
// check intervals is stale.
func (s *Server) health() (Health, map[string]check.StatusSnapshot) {
	snaps := s.checkStatuses()
	return computeHealth(snaps, s.clock.Now(), 3*s.checkInterval), snaps
}

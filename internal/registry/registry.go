package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshwatch/internal/metrics"
	"meshwatch/internal/probe"
	"meshwatch/internal/protocol"
)

// Config tunes the health state machine.
type Config struct {
	// OfflineThreshold is how stale a node's LastSeen must be before a
	// failed probe marks it offline instead of warning.
	OfflineThreshold time.Duration
	// ProbeTimeout bounds each reachability probe.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		OfflineThreshold: 60 * time.Second,
		ProbeTimeout:     30 * time.Second,
	}
}

// Transition records one health state change observed during a refresh
// cycle, used to drive alerts.
type Transition struct {
	NodeID string
	From   protocol.NodeState
	To     protocol.NodeState
}

// Registry is the coordinator's authoritative table of peer machines.
// All mutation is serialized through a single mutex so overlapping
// periodic cycles and request handlers cannot lose updates.
type Registry struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	byAddress map[string]string // address -> node id

	net    probe.NetworkProbe
	access probe.AccessControl
	cfg    Config

	metrics *metrics.Metrics
	log     *logrus.Entry

	now func() time.Time
}

// New creates an empty registry.
func New(net probe.NetworkProbe, access probe.AccessControl, cfg Config, m *metrics.Metrics, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		nodes:     make(map[string]*Node),
		byAddress: make(map[string]string),
		net:       net,
		access:    access,
		cfg:       cfg,
		metrics:   m,
		log:       log.WithField("component", "registry"),
		now:       time.Now,
	}
}

// Discover merges a mesh neighbor list and an overlay peer list into the
// registry. Unknown neighbor addresses become online nodes; overlay
// peers only annotate nodes already present at the same address, since
// overlay presence without mesh presence is not promoted to a node.
// Idempotent: a known address only has its correlated descriptor
// refreshed, never its status or LastSeen.
func (r *Registry) Discover(neighbors []probe.Neighbor, peers []probe.OverlayPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range neighbors {
		nb := neighbors[i]
		if nb.Address == "" {
			continue
		}
		if id, ok := r.byAddress[nb.Address]; ok {
			r.nodes[id].Source.Mesh = &nb
			continue
		}
		node := &Node{
			// Discovery has no hardware identity to go by; the address
			// serves as id until the peer registers and is re-keyed.
			ID:       nb.Address,
			Address:  nb.Address,
			Status:   protocol.StateOnline,
			LastSeen: r.now(),
			Source:   SourceInfo{Mesh: &nb},
		}
		r.nodes[node.ID] = node
		r.byAddress[node.Address] = node.ID
		r.log.WithFields(logrus.Fields{"node": node.ID, "iface": nb.Interface}).Info("Discovered mesh neighbor")
	}

	for i := range peers {
		p := peers[i]
		if id, ok := r.byAddress[p.Address]; ok {
			r.nodes[id].Source.Overlay = &p
		}
	}

	r.updateCountsLocked()
}

// RefreshHealth probes every non-blocked node and advances the health
// state machine:
//
//	probe ok                      -> online, LastSeen refreshed
//	probe failed, seen recently   -> warning (debounce against flapping)
//	probe failed, seen too long   -> offline
//	probe errored                 -> error
//
// Probes run outside the lock; results are applied under it. Returned
// transitions feed alerting.
func (r *Registry) RefreshHealth(ctx context.Context) []Transition {
	type target struct{ id, address string }

	r.mu.RLock()
	targets := make([]target, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Status != protocol.StateBlocked {
			targets = append(targets, target{id: n.ID, address: n.Address})
		}
	}
	r.mu.RUnlock()

	var transitions []Transition
	for _, n := range targets {
		start := r.now()
		reachable, err := r.net.IsReachable(ctx, n.address, r.cfg.ProbeTimeout)
		r.metrics.ObserveProbe(r.now().Sub(start))

		if t, changed := r.applyProbe(n.id, reachable, err); changed {
			transitions = append(transitions, t)
		}
		if ctx.Err() != nil {
			break
		}
	}

	r.mu.Lock()
	r.updateCountsLocked()
	r.mu.Unlock()

	return transitions
}

func (r *Registry) applyProbe(id string, reachable bool, probeErr error) (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok || n.Status == protocol.StateBlocked {
		return Transition{}, false
	}

	from := n.Status
	now := r.now()

	switch {
	case probeErr != nil:
		r.log.WithField("node", id).WithError(probeErr).Warn("Reachability probe failed")
		n.Status = protocol.StateError
	case reachable:
		n.Status = protocol.StateOnline
		n.LastSeen = now
	case now.Sub(n.LastSeen) < r.cfg.OfflineThreshold:
		n.Status = protocol.StateWarning
	default:
		n.Status = protocol.StateOffline
	}

	if n.Status == from {
		return Transition{}, false
	}
	return Transition{NodeID: id, From: from, To: n.Status}, true
}

// Register creates or refreshes a node from an agent's registration.
// A node previously created by discovery under its address is re-keyed
// to the agent's hardware-derived id. Agents older than the minimum
// compatible version are rejected.
func (r *Registry) Register(req protocol.RegisterRequest) (Snapshot, error) {
	if req.NodeID == "" {
		return Snapshot{}, fmt.Errorf("missing node id")
	}
	if err := protocol.CheckCompatible(req.Version); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrIncompatibleVersion, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n, ok := r.nodes[req.NodeID]
	if !ok {
		if id, found := r.byAddress[req.Address]; found && req.Address != "" {
			// Discovery created this entry keyed by address; adopt the
			// hardware identity without losing correlated descriptors.
			n = r.nodes[id]
			delete(r.nodes, id)
			n.ID = req.NodeID
			r.nodes[req.NodeID] = n
			r.byAddress[req.Address] = req.NodeID
			ok = true
		}
	}

	if !ok {
		n = &Node{ID: req.NodeID, RegisteredAt: now}
		r.nodes[req.NodeID] = n
	}
	if n.RegisteredAt.IsZero() {
		n.RegisteredAt = now
	}

	if req.Address != "" && req.Address != n.Address {
		if n.Address != "" {
			delete(r.byAddress, n.Address)
		}
		n.Address = req.Address
		r.byAddress[req.Address] = n.ID
	}
	n.Hostname = req.Hostname
	n.Version = req.Version
	n.Status = protocol.StateOnline
	n.LastSeen = now

	r.metrics.IncRegistrations()
	r.updateCountsLocked()
	r.log.WithFields(logrus.Fields{"node": n.ID, "address": n.Address, "version": n.Version}).Info("Node registered")

	return n.snapshot(), nil
}

// IngestHeartbeat folds a peer's self-report into its node. The
// self-reported status is trusted and overrides a probe-derived warning
// until the next probe cycle; an explicit blocked state is preserved.
// Heartbeats from unregistered ids are rejected: a peer must register
// before its heartbeats are accepted.
func (r *Registry) IngestHeartbeat(rec protocol.HeartbeatRecord) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, rec.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[rec.NodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, rec.NodeID)
	}

	n.LastSeen = r.now()
	if n.Status != protocol.StateBlocked {
		n.Status = rec.Status
	}
	n.Stats = &rec

	r.metrics.IncHeartbeats()
	r.updateCountsLocked()
	return nil
}

// UpdateStatus applies a peer-initiated status push outside the
// heartbeat cadence.
func (r *Registry) UpdateStatus(nodeID string, state protocol.NodeState) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, state)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if n.Status != protocol.StateBlocked {
		n.Status = state
	}
	n.LastSeen = r.now()
	r.updateCountsLocked()
	return nil
}

// SetDiagnostics stores the latest diagnostics bundle for a node.
func (r *Registry) SetDiagnostics(nodeID string, bundle protocol.DiagnosticsBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	n.Diagnostics = &bundle
	return nil
}

// QueueCommand enqueues a command for delivery in the node's next
// heartbeat response.
func (r *Registry) QueueCommand(nodeID string, cmd protocol.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	n.pendingCommands = append(n.pendingCommands, cmd)
	return nil
}

// PopCommands drains the pending commands for a node.
func (r *Registry) PopCommands(nodeID string) []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok || len(n.pendingCommands) == 0 {
		return nil
	}
	cmds := n.pendingCommands
	n.pendingCommands = nil
	return cmds
}

// DispatchAction executes an observer-requested action on a node.
// disconnect and reconnect delegate to the access-control collaborator
// and flip the node between blocked and online; ping reports live
// reachability. restart is advisory only: there is no delivery channel
// to the peer, so the intent is logged and acknowledged without effect.
func (r *Registry) DispatchAction(ctx context.Context, nodeID, action string) (protocol.ActionResult, error) {
	r.mu.RLock()
	n, ok := r.nodes[nodeID]
	var address string
	if ok {
		address = n.Address
	}
	r.mu.RUnlock()

	result := protocol.ActionResult{NodeID: nodeID, Action: action}
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	switch action {
	case protocol.ActionPing:
		reachable, err := r.net.IsReachable(ctx, address, r.cfg.ProbeTimeout)
		if err != nil {
			return result, fmt.Errorf("ping %s: %w", nodeID, err)
		}
		result.Success = true
		result.Reachable = &reachable

	case protocol.ActionDisconnect:
		if err := r.access.Block(ctx, address); err != nil {
			return result, fmt.Errorf("blocking %s: %w", address, err)
		}
		r.setStatus(nodeID, protocol.StateBlocked)
		result.Success = true
		result.Message = "access blocked"

	case protocol.ActionReconnect:
		if err := r.access.Unblock(ctx, address); err != nil {
			return result, fmt.Errorf("unblocking %s: %w", address, err)
		}
		r.setStatus(nodeID, protocol.StateOnline)
		result.Success = true
		result.Message = "access restored"

	case protocol.ActionRestart:
		r.log.WithField("node", nodeID).Info("Restart requested; advisory only, no delivery channel to the peer")
		result.Success = true
		result.Message = "restart is advisory: the coordinator has no push channel to the peer"

	default:
		return result, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	return result, nil
}

func (r *Registry) setStatus(nodeID string, state protocol.NodeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.Status = state
	}
	r.updateCountsLocked()
}

// SweepAccess re-asserts the block on every blocked node so firewall
// state converges back after an external flush.
func (r *Registry) SweepAccess(ctx context.Context) error {
	r.mu.RLock()
	var blocked []string
	for _, n := range r.nodes {
		if n.Status == protocol.StateBlocked && n.Address != "" {
			blocked = append(blocked, n.Address)
		}
	}
	r.mu.RUnlock()

	var firstErr error
	for _, addr := range blocked {
		if err := r.access.Block(ctx, addr); err != nil {
			r.log.WithField("address", addr).WithError(err).Warn("Re-asserting block failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Get returns a node snapshot by id.
func (r *Registry) Get(nodeID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return Snapshot{}, false
	}
	return n.snapshot(), true
}

// List returns snapshots of all nodes, sorted by id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of known nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// CountsByState returns node counts keyed by health state.
func (r *Registry) CountsByState() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countsLocked()
}

func (r *Registry) countsLocked() map[string]int {
	counts := make(map[string]int)
	for _, n := range r.nodes {
		counts[string(n.Status)]++
	}
	return counts
}

func (r *Registry) updateCountsLocked() {
	r.metrics.SetNodeCounts(r.countsLocked())
}

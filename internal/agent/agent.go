package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshwatch/internal/config"
	"meshwatch/internal/identity"
	"meshwatch/internal/protocol"
	"meshwatch/internal/sysinfo"
)

// State is the heartbeat client's lifecycle state.
type State string

const (
	StateUnregistered State = "unregistered"
	StateDiscovering  State = "discovering"
	StateRegistered   State = "registered"
	StateHeartbeating State = "heartbeating"
)

// ErrRestartRequested is returned by Run after a restart-self command:
// the process should exit and let its supervisor relaunch it.
var ErrRestartRequested = errors.New("restart requested by coordinator")

// errUnregistered marks a heartbeat the coordinator refused because it
// no longer knows this node, typically after a coordinator restart.
var errUnregistered = errors.New("coordinator does not know this node")

const requestTimeout = 10 * time.Second

// NetworkReporter supplies the mesh/overlay sub-status for heartbeats.
// Optional; without one the report stays at its zero value.
type NetworkReporter func() protocol.NetworkReport

// Client is the peer-side agent. It discovers a coordinator, registers,
// reports liveness on a fixed interval and executes commands pushed back
// in heartbeat responses. With no coordinator reachable it runs
// standalone and keeps retrying discovery; that is a supported mode, not
// an error.
type Client struct {
	cfg       config.Agent
	id        *identity.Identity
	http      *http.Client
	netReport NetworkReporter
	log       *logrus.Entry

	mu          sync.Mutex
	state       State
	coordinator string
	interval    time.Duration
	failures    int
	registered  bool
	restart     bool

	// collect is swappable in tests.
	collect func() protocol.SystemMetrics
}

// New creates a heartbeat client for the given identity.
func New(cfg config.Agent, id *identity.Identity, netReport NetworkReporter, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		cfg:       cfg,
		id:        id,
		http:      &http.Client{},
		netReport: netReport,
		log:       log.WithFields(logrus.Fields{"component": "agent", "node": id.ID}),
		state:     StateUnregistered,
		interval:  cfg.HeartbeatInterval,
		collect:   sysinfo.Collect,
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Coordinator returns the adopted coordinator base URL, empty when
// standalone.
func (c *Client) Coordinator() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coordinator
}

// FailureCount returns the consecutive heartbeat failure count.
func (c *Client) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Interval returns the current heartbeat interval.
func (c *Client) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Run drives the client state machine until ctx is cancelled or the
// coordinator orders a restart. On shutdown a best-effort final
// heartbeat reporting offline is sent, its result ignored.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			c.finalOffline()
			return nil
		}
		if c.restartRequested() {
			c.finalOffline()
			return ErrRestartRequested
		}

		switch c.State() {
		case StateUnregistered:
			c.setState(StateDiscovering)

		case StateDiscovering:
			coord := c.discoverCoordinator(ctx)
			if coord == "" {
				// Standalone is a supported mode, not an error.
				c.log.Debug("No coordinator found; running standalone")
				c.setState(StateUnregistered)
				if !sleep(ctx, c.Interval()) {
					return nil
				}
				continue
			}
			c.setCoordinator(coord)
			if err := c.register(ctx); err != nil {
				c.log.WithError(err).Warn("Registration failed; retrying after interval")
				if !sleep(ctx, c.Interval()) {
					return nil
				}
				continue
			}
			c.setState(StateRegistered)

		case StateRegistered:
			c.setState(StateHeartbeating)

		case StateHeartbeating:
			if err := c.heartbeatCycle(ctx); err != nil {
				c.onHeartbeatFailure(err)
			}
			if c.State() != StateHeartbeating {
				continue
			}
			if !sleep(ctx, c.Interval()) {
				c.finalOffline()
				return nil
			}
		}
	}
}

// discoverCoordinator probes the ordered candidate list with a short
// per-candidate timeout; the first address serving a valid coordinator
// status payload is adopted.
func (c *Client) discoverCoordinator(ctx context.Context) string {
	for _, candidate := range c.cfg.Coordinators {
		base := strings.TrimRight(candidate, "/")
		if base == "" {
			continue
		}
		if c.probeCandidate(ctx, base) {
			c.log.WithField("coordinator", base).Info("Coordinator discovered")
			return base
		}
	}
	return ""
}

func (c *Client) probeCandidate(ctx context.Context, base string) bool {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.DiscoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var status protocol.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.Service == protocol.ServiceName
}

func (c *Client) setCoordinator(base string) {
	c.mu.Lock()
	c.coordinator = base
	c.mu.Unlock()
}

// register announces the local identity and a best-effort telemetry
// snapshot to the coordinator.
func (c *Client) register(ctx context.Context) error {
	req := protocol.RegisterRequest{
		NodeID:   c.id.ID,
		Address:  c.id.Address,
		Hostname: c.id.Hostname,
		Version:  c.id.Version,
		System:   c.collect(),
	}

	var resp registerResponse
	if err := c.post(ctx, "/nodes/register", req, &resp); err != nil {
		return fmt.Errorf("registering with coordinator: %w", err)
	}

	c.mu.Lock()
	c.registered = true
	c.failures = 0
	c.mu.Unlock()
	c.log.Info("Registered with coordinator")
	return nil
}

type registerResponse struct {
	Node json.RawMessage `json:"node"`
}

// heartbeatCycle sends one heartbeat and executes any commands carried
// in the response. A coordinator that lost this node triggers an
// immediate re-registration instead of counting as a failure.
func (c *Client) heartbeatCycle(ctx context.Context) error {
	resp, err := c.sendHeartbeat(ctx, protocol.StateOnline)
	if errors.Is(err, errUnregistered) {
		c.log.Info("Coordinator lost our registration; re-registering")
		return c.register(ctx)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()

	for _, cmd := range resp.Commands {
		c.execCommand(ctx, cmd)
	}
	return nil
}

func (c *Client) sendHeartbeat(ctx context.Context, status protocol.NodeState) (protocol.HeartbeatResponse, error) {
	rec := protocol.HeartbeatRecord{
		NodeID:    c.id.ID,
		Timestamp: time.Now().UTC(),
		Status:    status,
		System:    c.collect(),
	}
	if c.netReport != nil {
		rec.Network = c.netReport()
	}

	var resp protocol.HeartbeatResponse
	err := c.post(ctx, "/nodes/"+c.id.ID+"/heartbeat", rec, &resp)
	return resp, err
}

// onHeartbeatFailure counts one failed send. Reaching the failure limit
// abandons the coordinator and re-enters discovery, exactly once per
// streak.
func (c *Client) onHeartbeatFailure(err error) {
	c.mu.Lock()
	c.failures++
	failures := c.failures
	limit := failures >= c.cfg.MaxFailures
	if limit {
		c.failures = 0
		c.coordinator = ""
		c.registered = false
		c.state = StateDiscovering
	}
	c.mu.Unlock()

	if limit {
		c.log.WithError(err).WithField("failures", failures).Warn("Heartbeat failure limit reached; rediscovering coordinator")
		return
	}
	c.log.WithError(err).WithField("failures", failures).Warn("Heartbeat failed")
}

// execCommand runs one coordinator command. Unknown command types are
// logged and skipped; no command failure aborts the heartbeat loop.
func (c *Client) execCommand(ctx context.Context, cmd protocol.Command) {
	switch cmd.Type {
	case protocol.CommandRestartSelf:
		c.log.Info("Coordinator requested restart")
		c.mu.Lock()
		c.restart = true
		c.mu.Unlock()

	case protocol.CommandApplyConfig:
		c.applyConfig(cmd.Params)

	case protocol.CommandRunDiagnostics:
		if err := c.reportDiagnostics(ctx); err != nil {
			c.log.WithError(err).Warn("Diagnostics report failed")
		}

	default:
		c.log.WithField("type", cmd.Type).Warn("Skipping unknown command")
	}
}

func (c *Client) applyConfig(params map[string]any) {
	raw, ok := params[protocol.ParamHeartbeatInterval]
	if !ok {
		return
	}

	var interval time.Duration
	switch v := raw.(type) {
	case float64:
		interval = time.Duration(v) * time.Second
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			c.log.WithField("value", v).Warn("Ignoring unparseable heartbeat interval")
			return
		}
		interval = d
	default:
		return
	}

	if interval <= 0 {
		c.log.WithField("value", raw).Warn("Ignoring non-positive heartbeat interval")
		return
	}

	c.mu.Lock()
	c.interval = interval
	c.mu.Unlock()
	c.log.WithField("interval", interval).Info("Heartbeat interval updated")
}

// reportDiagnostics collects an extended status bundle and posts it to
// the coordinator.
func (c *Client) reportDiagnostics(ctx context.Context) error {
	bundle := protocol.DiagnosticsBundle{
		NodeID:    c.id.ID,
		Timestamp: time.Now().UTC(),
		System:    c.collect(),
		Extra: map[string]any{
			"hostname": c.id.Hostname,
			"version":  c.id.Version,
			"state":    string(c.State()),
		},
	}
	if c.netReport != nil {
		bundle.Network = c.netReport()
	}

	var resp map[string]any
	return c.post(ctx, "/nodes/"+c.id.ID+"/diagnostics", bundle, &resp)
}

func (c *Client) restartRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restart
}

// finalOffline makes one best-effort heartbeat reporting offline so the
// coordinator learns of the shutdown without waiting for staleness. Its
// result is ignored.
func (c *Client) finalOffline() {
	c.mu.Lock()
	registered := c.registered
	c.mu.Unlock()
	if !registered {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = c.sendHeartbeat(ctx, protocol.StateOffline)
}

// post sends a JSON request to the coordinator and decodes the reply.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	base := c.Coordinator()
	if base == "" {
		return fmt.Errorf("no coordinator")
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errUnregistered
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator returned %s", resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

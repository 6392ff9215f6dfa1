// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package controller

import (
	"context"
	"fmt"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hashicorp/constellation/controller/stream"
	"github.com/hashicorp/constellation/helper/uuid"
	"github.com/hashicorp/constellation/structs"
	"github.com/hashicorp/constellation/transport"
)

// Server is the control plane: it owns the device registry, one connection
// actor per connected device, one execution per in-flight constellation,
// and the event broker that streams state changes to subscribers. All
// public methods are safe for concurrent use.
type Server struct {
	config *Config
	logger hclog.Logger

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	broker     *stream.EventBroker
	registry   *Registry
	dispatcher *Dispatcher

	mu       sync.Mutex
	shutdown bool
	conns    map[string]*deviceConn
	execs    map[string]*execution

	// inflight routes task results from connection actors to the
	// execution that dispatched the task.
	inflight map[string]*execution

	// finished retains terminal constellations for status queries.
	finished *lru.Cache[string, *structs.TaskConstellation]
}

// NewServer constructs a controller Server from the config, filling unset
// fields with defaults.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.normalize()

	ctx, cancel := context.WithCancel(context.Background())

	broker := stream.NewEventBroker(ctx, stream.EventBrokerCfg{
		EventBufferSize: config.EventBufferSize,
		Logger:          config.Logger.Named("broker"),
	})

	finished, err := lru.New[string, *structs.TaskConstellation](config.FinishedRetention)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Server{
		config:         config,
		logger:         config.Logger.Named("controller"),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
		broker:         broker,
		conns:          make(map[string]*deviceConn),
		execs:          make(map[string]*execution),
		inflight:       make(map[string]*execution),
		finished:       finished,
	}
	s.registry = NewRegistry(config.Logger, config.Clock, broker, config.DefaultMaxRetries)
	s.dispatcher = NewDispatcher(config.Logger, s.registry)
	return s, nil
}

// Registry exposes the device registry for read-side callers.
func (s *Server) Registry() *Registry {
	return s.registry
}

// RegisterDevice adds a device profile. With AutoConnect set, the device's
// connection actor starts immediately.
func (s *Server) RegisterDevice(req *RegisterRequest) (*structs.AgentProfile, error) {
	if err := s.checkShutdown(); err != nil {
		return nil, err
	}

	profile, err := s.registry.Register(req)
	if err != nil {
		return nil, err
	}
	if req.AutoConnect {
		if err := s.ConnectDevice(req.DeviceID); err != nil {
			return profile, err
		}
	}
	return profile, nil
}

// ConnectDevice starts the device's connection actor. A device with a live
// actor is left alone; a device whose previous actor exited (for example
// after exhausting its retry budget) gets a fresh one with a fresh attempt
// budget.
func (s *Server) ConnectDevice(deviceID string) error {
	if err := s.checkShutdown(); err != nil {
		return err
	}

	profile, err := s.registry.Get(deviceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return fmt.Errorf("controller is shut down")
	}

	if dc, ok := s.conns[deviceID]; ok {
		select {
		case <-dc.doneCh:
			// previous actor exited; replace it
		default:
			return nil
		}
	}

	dc := newDeviceConn(s, deviceID, profile.ServerURL)
	s.conns[deviceID] = dc
	go dc.run()
	return nil
}

// DisconnectDevice stops the device's connection actor and settles its
// status. Any task in flight on the device fails with device lost.
func (s *Server) DisconnectDevice(deviceID string) error {
	if _, err := s.registry.Get(deviceID); err != nil {
		return err
	}

	s.mu.Lock()
	dc, ok := s.conns[deviceID]
	if ok {
		delete(s.conns, deviceID)
	}
	s.mu.Unlock()

	if ok {
		dc.stop()
	}
	return nil
}

// DeregisterDevice disconnects the device and removes its profile.
func (s *Server) DeregisterDevice(deviceID string) error {
	if err := s.DisconnectDevice(deviceID); err != nil {
		return err
	}
	return s.registry.Remove(deviceID)
}

// ListDevices returns copies of the registered device profiles matching
// the filter.
func (s *Server) ListDevices(filter *ListFilter) []*structs.AgentProfile {
	return s.registry.List(filter)
}

// GetDevice returns a copy of one device profile.
func (s *Server) GetDevice(deviceID string) (*structs.AgentProfile, error) {
	return s.registry.Get(deviceID)
}

// SubmitConstellation validates the constellation and starts executing it,
// returning its ID. The submitted value is copied; the caller's copy never
// changes. A rejected submission has no side effects.
func (s *Server) SubmitConstellation(c *structs.TaskConstellation) (string, error) {
	if err := s.checkShutdown(); err != nil {
		return "", err
	}
	if c == nil {
		return "", fmt.Errorf("%w: nil constellation", structs.ErrInvalidConstellation)
	}

	c = c.Copy()
	if c.ConstellationID == "" {
		c.ConstellationID = uuid.Generate()
	}
	for _, t := range c.Tasks {
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = structs.DefaultTaskMaxAttempts
		}
		if t.RequiredCapabilities == nil {
			t.RequiredCapabilities = set.New[string](0)
		}
	}

	if err := c.Validate(); err != nil {
		return "", err
	}

	now := s.config.Clock.Now().UTC()
	c.CreatedAt = now
	c.State = structs.ConstellationStateReady
	for _, t := range c.Tasks {
		t.Status = structs.TaskStatusWaitingDependency
		t.Attempts = 0
		t.AssignedDeviceID = ""
		t.Result = nil
		t.Error = nil
		t.StartedAt = nil
		t.CompletedAt = nil
	}

	e := newExecution(s, c)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return "", fmt.Errorf("controller is shut down")
	}
	if _, exists := s.execs[c.ConstellationID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: constellation %q already executing",
			structs.ErrInvalidConstellation, c.ConstellationID)
	}
	s.execs[c.ConstellationID] = e
	s.mu.Unlock()

	s.logger.Info("constellation submitted", "constellation_id", c.ConstellationID,
		"name", c.Name, "tasks", len(c.Tasks))
	go e.run(s.shutdownCtx)
	return c.ConstellationID, nil
}

// GetConstellationStatus returns a deep copy of the constellation's
// current state, whether it is executing or already finished and retained.
func (s *Server) GetConstellationStatus(constellationID string) (*structs.TaskConstellation, error) {
	s.mu.Lock()
	e, executing := s.execs[constellationID]
	s.mu.Unlock()

	if executing {
		return e.Snapshot(), nil
	}
	if c, ok := s.finished.Get(constellationID); ok {
		return c.Copy(), nil
	}
	return nil, fmt.Errorf("%w: %q", structs.ErrConstellationNotFound, constellationID)
}

// CancelConstellation requests cancellation of an executing constellation.
// Cancelling a constellation that already finished is a no-op; cancelling
// an unknown one is an error. The call returns without waiting for the
// cancellation to settle.
func (s *Server) CancelConstellation(constellationID string) error {
	s.mu.Lock()
	e, executing := s.execs[constellationID]
	s.mu.Unlock()

	if executing {
		e.requestCancel()
		return nil
	}
	if _, ok := s.finished.Get(constellationID); ok {
		return nil
	}
	return fmt.Errorf("%w: %q", structs.ErrConstellationNotFound, constellationID)
}

// PauseConstellation stops dispatching new tasks of the constellation;
// running tasks continue and their results are still recorded.
func (s *Server) PauseConstellation(constellationID string) error {
	return s.setConstellationPaused(constellationID, true)
}

// ResumeConstellation resumes dispatching for a paused constellation.
func (s *Server) ResumeConstellation(constellationID string) error {
	return s.setConstellationPaused(constellationID, false)
}

func (s *Server) setConstellationPaused(constellationID string, paused bool) error {
	s.mu.Lock()
	e, executing := s.execs[constellationID]
	s.mu.Unlock()

	if !executing {
		return fmt.Errorf("%w: %q", structs.ErrConstellationNotFound, constellationID)
	}
	e.setPaused(paused)
	return nil
}

// Subscribe opens an event stream over the requested topics. The caller
// must Unsubscribe when done.
func (s *Server) Subscribe(req *stream.SubscribeRequest) (*stream.Subscription, error) {
	if err := s.checkShutdown(); err != nil {
		return nil, err
	}
	return s.broker.Subscribe(req)
}

// Shutdown stops the controller: connection actors are torn down (failing
// in-flight tasks with device lost), executions observe the shutdown
// context, and subscriptions are force closed. Safe to call more than
// once.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	conns := make([]*deviceConn, 0, len(s.conns))
	for _, dc := range s.conns {
		conns = append(conns, dc)
	}
	execs := make([]*execution, 0, len(s.execs))
	for _, e := range s.execs {
		execs = append(execs, e)
	}
	s.mu.Unlock()

	s.logger.Info("controller shutting down", "devices", len(conns), "executions", len(execs))
	s.shutdownCancel()

	for _, dc := range conns {
		dc.stop()
	}
	for _, e := range execs {
		<-e.doneCh
	}

	var mErr multierror.Error
	for _, profile := range s.registry.List(nil) {
		switch profile.Status {
		case structs.DeviceStatusDisconnected, structs.DeviceStatusFailed:
		default:
			if err := s.registry.UpdateStatus(profile.DeviceID, structs.DeviceStatusDisconnected); err != nil {
				mErr.Errors = append(mErr.Errors, err)
			}
		}
	}
	return mErr.ErrorOrNil()
}

func (s *Server) checkShutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return fmt.Errorf("controller is shut down")
	}
	return nil
}

// sendTask forwards a dispatch frame to the device's live session,
// bounded by the configured API deadline.
func (s *Server) sendTask(ctx context.Context, deviceID string, td *transport.TaskDispatch) error {
	s.mu.Lock()
	dc, ok := s.conns[deviceID]
	s.mu.Unlock()
	if !ok {
		return transport.ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.APIDeadline)
	defer cancel()
	return dc.sendTask(ctx, td)
}

// sendCancel forwards a cancel frame to the device's live session,
// bounded by the configured API deadline.
func (s *Server) sendCancel(ctx context.Context, deviceID, taskID string) error {
	s.mu.Lock()
	dc, ok := s.conns[deviceID]
	s.mu.Unlock()
	if !ok {
		return transport.ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.APIDeadline)
	defer cancel()
	return dc.sendCancel(ctx, taskID)
}

// kickDevice drops the device's live session; the connection actor
// observes the closure and reconnects with a fresh session.
func (s *Server) kickDevice(deviceID, reason string) {
	s.mu.Lock()
	dc, ok := s.conns[deviceID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if sess := dc.session(); sess != nil {
		sess.Close(reason)
	}
}

// trackTask binds a dispatched task to its execution so inbound results
// can be routed.
func (s *Server) trackTask(taskID string, e *execution) {
	s.mu.Lock()
	s.inflight[taskID] = e
	s.mu.Unlock()
}

func (s *Server) untrackTask(taskID string) {
	s.mu.Lock()
	delete(s.inflight, taskID)
	s.mu.Unlock()
}

// routeTaskResult delivers a task result from a connection actor to the
// owning execution. deviceLost marks synthetic results for sessions lost
// with the task in flight; the registry state for the device was already
// settled by the caller in that case.
func (s *Server) routeTaskResult(deviceID string, res *transport.TaskResult, deviceLost bool) {
	s.mu.Lock()
	e, ok := s.inflight[res.TaskID]
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("dropping result for unknown task",
			"task_id", res.TaskID, "device_id", deviceID)
		return
	}
	e.deliver(&taskResult{res: res, deviceLost: deviceLost})
}

// wakeExecutions nudges every running execution to re-evaluate its ready
// set, typically after a device became idle or advertised new
// capabilities.
func (s *Server) wakeExecutions() {
	s.mu.Lock()
	execs := make([]*execution, 0, len(s.execs))
	for _, e := range s.execs {
		execs = append(execs, e)
	}
	s.mu.Unlock()

	for _, e := range execs {
		e.wake()
	}
}

// retireExecution moves a finished constellation out of the executing set
// and into the finished retention cache. Called by the execution itself as
// it reaches a terminal state.
func (s *Server) retireExecution(constellationID string, snapshot *structs.TaskConstellation) {
	s.mu.Lock()
	delete(s.execs, constellationID)
	for taskID, e := range s.inflight {
		if e != nil && e.c.ConstellationID == constellationID {
			delete(s.inflight, taskID)
		}
	}
	s.mu.Unlock()
	s.finished.Add(constellationID, snapshot)
}

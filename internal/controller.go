package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dnd-stuff/sheetsync/internal/core"
	"github.com/dnd-stuff/sheetsync/internal/core/lifecycle"
	"github.com/dnd-stuff/sheetsync/internal/core/metrics"
	"github.com/dnd-stuff/sheetsync/internal/sheets"
)

const (
	mailboxSize     = 16
	busBufferSize   = 64
	generationQueue = 16
)

// Controller is the main entrypoint for sheetsync. It owns the mailbox of
// lifecycle commands and runs the listener generations they ask for, one
// command at a time, republishing everything the generations report on its
// Bus.
type Controller struct {
	Config *core.Config

	logger  *logrus.Logger
	metrics *metrics.Metrics
	bus     *Bus

	mailbox chan lifecycle.Command
	results chan generationResult
	// Closed on Shutdown to disconnect the clients of every generation.
	evict chan struct{}
	done  chan struct{}

	mu   sync.RWMutex
	port uint16

	// Only touched by the mailbox goroutine.
	generation   uint64
	active       uint64
	latestStatus lifecycle.Status
	lastReleased <-chan struct{}
	cancels      map[uint64]context.CancelFunc
	shuttingDown bool
}

// generationResult is a message from a generation's results channel, tagged
// with the generation that sent it. closed marks the end of the channel.
type generationResult struct {
	generation uint64
	msg        lifecycle.Message
	closed     bool
}

type ControllerOption func(*Controller)

// WithMetrics makes the Controller record into m instead of its own collectors.
func WithMetrics(m *metrics.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// NewController starts the Controller's mailbox loop. Nothing listens until a
// Restart command is sent.
func NewController(cfg *core.Config, logger *logrus.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		Config:       cfg,
		logger:       logger,
		bus:          newBus(busBufferSize),
		mailbox:      make(chan lifecycle.Command, mailboxSize),
		results:      make(chan generationResult),
		evict:        make(chan struct{}),
		done:         make(chan struct{}),
		port:         cfg.Port,
		latestStatus: lifecycle.StatusOf(lifecycle.Offline),
		cancels:      make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}

	go c.run()
	return c
}

// Send queues cmd for the mailbox loop. It never fails: once the Controller
// has shut down commands are silently discarded.
func (c *Controller) Send(cmd lifecycle.Command) {
	select {
	case c.mailbox <- cmd:
	case <-c.done:
	}
}

// Subscribe returns a live stream of status changes and connection events.
func (c *Controller) Subscribe() *Subscription { return c.bus.Subscribe() }

// Status returns the current listener status.
func (c *Controller) Status() lifecycle.Status { return c.bus.Status() }

// Port returns the port the next generation will listen on.
func (c *Controller) Port() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.port
}

// Metrics returns the collectors the Controller records into.
func (c *Controller) Metrics() *metrics.Metrics { return c.metrics }

// Done is closed once the Controller has shut down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Close shuts the Controller down and waits for it to finish.
func (c *Controller) Close() {
	c.Send(lifecycle.Shutdown{})
	<-c.done
}

func (c *Controller) run() {
	defer close(c.done)
	defer c.bus.close()

	for !c.shuttingDown {
		select {
		case cmd := <-c.mailbox:
			c.handle(cmd)
		case r := <-c.results:
			c.apply(r)
		}
	}
	c.drain()
	c.logger.Infof("[CONTROLLER] shut down")
}

func (c *Controller) handle(cmd lifecycle.Command) {
	c.logger.Debugf("[CONTROLLER] received %v", cmd)

	switch cmd := cmd.(type) {
	case lifecycle.SwitchPort:
		c.mu.Lock()
		c.port = cmd.Port
		c.mu.Unlock()
		c.logger.Infof("[CONTROLLER] port set to %d for the next start", cmd.Port)
	case lifecycle.Restart:
		c.setStatus(lifecycle.StatusOf(lifecycle.Restarting))
		c.cancelActive()
		c.startGeneration()
	case lifecycle.Stop:
		c.cancelActive()
	case lifecycle.Shutdown:
		c.cancelActive()
		close(c.evict)
		c.shuttingDown = true
	}
}

// cancelActive asks the active generation to stop accepting connections
// without waiting for it. Its clients stay connected until they leave.
func (c *Controller) cancelActive() {
	if c.active == 0 {
		return
	}
	c.logger.Infof("[CONTROLLER] stopping generation %d", c.active)
	if cancel, ok := c.cancels[c.active]; ok {
		cancel()
	}
	c.active = 0
}

func (c *Controller) startGeneration() {
	c.generation++
	id := c.generation
	port := c.Port()
	name := fmt.Sprintf("SHEETS%02d", id)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan lifecycle.Message, generationQueue)
	released := make(chan struct{})

	f := &frontend{
		Name: name,
		Port: port,
		Backend: &sheets.Server{
			Name:       name,
			Config:     c.Config,
			Logger:     c.logger,
			Metrics:    c.metrics,
			Generation: id,
			Events:     results,
		},
		Config:   c.Config,
		Logger:   c.logger,
		Metrics:  c.metrics,
		Previous: c.lastReleased,
		Released: released,
		Evict:    c.evict,
		Results:  results,
	}

	c.cancels[id] = cancel
	c.lastReleased = released
	c.active = id
	c.latestStatus = lifecycle.StatusOf(lifecycle.Restarting)
	c.metrics.GenerationsStarted.Inc()
	c.logger.Infof("[CONTROLLER] starting generation %d on port %d", id, port)

	go c.forward(id, results)
	go f.run(ctx)
}

// forward tags everything a generation reports and hands it to the mailbox
// loop. Messages are discarded once the Controller is gone.
func (c *Controller) forward(generation uint64, results <-chan lifecycle.Message) {
	for msg := range results {
		select {
		case c.results <- generationResult{generation: generation, msg: msg}:
		case <-c.done:
		}
	}
	select {
	case c.results <- generationResult{generation: generation, closed: true}:
	case <-c.done:
	}
}

// apply handles one generation report. Connection events from any generation
// are relayed; status changes only count when they come from the most
// recently started generation.
func (c *Controller) apply(r generationResult) {
	latest := r.generation == c.generation

	if r.closed {
		if cancel, ok := c.cancels[r.generation]; ok {
			cancel()
			delete(c.cancels, r.generation)
		}
		if c.active == r.generation {
			c.active = 0
		}
		if latest && !c.latestStatus.IsTerminal() {
			c.logger.Warnf("[CONTROLLER] generation %d ended without reporting a final status", r.generation)
			c.latestStatus = lifecycle.StatusOf(lifecycle.Offline)
			c.setStatus(c.latestStatus)
		}
		return
	}

	switch msg := r.msg.(type) {
	case lifecycle.StatusChanged:
		if !latest {
			c.logger.Debugf("[CONTROLLER] ignoring %v from stale generation %d", msg.Status, r.generation)
			return
		}
		c.latestStatus = msg.Status
		c.setStatus(msg.Status)
	default:
		c.publish(msg)
	}
}

func (c *Controller) setStatus(status lifecycle.Status) {
	c.metrics.StatusTransitions.WithLabelValues(status.State.String()).Inc()
	c.logger.Infof("[CONTROLLER] status: %v", status)
	c.publish(lifecycle.StatusChanged{Status: status})
}

func (c *Controller) publish(msg lifecycle.Message) {
	if dropped := c.bus.Publish(msg); dropped > 0 {
		c.logger.Debugf("[CONTROLLER] %d subscriber(s) missed %v", dropped, msg)
	}
}

// drain keeps relaying generation reports after Shutdown until every
// generation has finished, so subscribers see the final status.
func (c *Controller) drain() {
	timeout := time.NewTimer(c.Config.ShutdownTimeout + time.Second)
	defer timeout.Stop()

	for len(c.cancels) > 0 {
		select {
		case r := <-c.results:
			c.apply(r)
		case <-timeout.C:
			c.logger.Warnf("[CONTROLLER] gave up waiting for %d generation(s) to stop", len(c.cancels))
			for _, cancel := range c.cancels {
				cancel()
			}
			return
		}
	}
}

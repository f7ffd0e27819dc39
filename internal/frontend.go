package internal

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dnd-stuff/sheetsync/internal/core"
	"github.com/dnd-stuff/sheetsync/internal/core/client"
	"github.com/dnd-stuff/sheetsync/internal/core/lifecycle"
	"github.com/dnd-stuff/sheetsync/internal/core/metrics"
)

// Response sent to plain HTTP requests.
const notWebsocketResponse = "sheetsync: connect with a websocket client\n"

// acceptBackoff is how long the listener pauses after a failed accept.
const acceptBackoff = 100 * time.Millisecond

// frontend is one listener generation: it owns the socket and the websocket
// transport for a single start of the server.
//
// Frames read from any connected clients are passed to the Backend, abstracting
// the lower level connection details away from it. Status changes and the
// Backend's connection events are reported on Results, which is closed once
// every client of the generation is gone.
type frontend struct {
	Name    string
	Port    uint16
	Backend Backend
	Config  *core.Config
	Logger  *logrus.Logger
	Metrics *metrics.Metrics

	// Closed by the previous generation once its listener is released. Nil
	// for the first generation.
	Previous <-chan struct{}
	// Closed by this generation once its listener is released.
	Released chan struct{}
	// Closing Evict disconnects every client still attached. Canceling the
	// generation alone leaves them to finish on their own.
	Evict   <-chan struct{}
	Results chan<- lifecycle.Message

	upgrader    websocket.Upgrader
	releaseOnce sync.Once
	clientWg    sync.WaitGroup
}

// run starts the generation and blocks until ctx is canceled and every client
// has disconnected.
func (f *frontend) run(ctx context.Context) {
	defer close(f.Results)
	// Covers every early return; a no-op once the listener was released.
	defer f.release()

	ctx, cancel := context.WithCancel(ctx)
	var server *http.Server
	initialized := false
	defer func() {
		if err := recover(); err != nil {
			f.Logger.Errorf("[%s] listener failed: error=%s, trace: %s", f.Name, err, debug.Stack())
			if server != nil {
				f.shutdown(server)
			}
		}
		cancel()
		f.clientWg.Wait()
		if initialized {
			if err := f.Backend.Close(); err != nil {
				f.Logger.Warnf("[%s] error closing backend: %v", f.Name, err)
			}
		}
		f.Logger.Infof("[%s] exited", f.Name)
	}()

	if !f.awaitPrevious(ctx) {
		f.report(lifecycle.StatusOf(lifecycle.Offline))
		return
	}

	if err := f.Backend.Init(ctx); err != nil {
		f.Logger.Errorf("[%s] error initializing %s: %v", f.Name, f.Backend.Identifier(), err)
		f.report(lifecycle.StatusOf(lifecycle.Error))
		return
	}
	initialized = true

	if ctx.Err() != nil {
		f.report(lifecycle.StatusOf(lifecycle.Offline))
		return
	}

	address := f.Config.ListenAddress(f.Port)
	socket, err := net.Listen("tcp", address)
	if err != nil {
		f.Logger.Errorf("[%s] error listening on %s: %v", f.Name, address, err)
		f.report(lifecycle.StatusOf(lifecycle.Error))
		return
	}

	errorLog := f.Logger.WriterLevel(logrus.DebugLevel)
	defer errorLog.Close()

	f.upgrader = websocket.Upgrader{
		// Clients connect from anywhere on the LAN, including desktop
		// webviews that send odd origins.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	server = &http.Server{
		Handler:     f,
		BaseContext: func(net.Listener) context.Context { return ctx },
		ErrorLog:    log.New(errorLog, "", 0),
	}

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(&acceptor{Listener: socket, name: f.Name, logger: f.Logger, metrics: f.Metrics})
	}()

	ip := core.LocalIP(f.Config.IPProbeAddress)
	f.Logger.Infof("[%s] waiting for connections on %s (local ip %v)", f.Name, address, ip)
	f.report(lifecycle.OnlineAt(ip))

	final := lifecycle.StatusOf(lifecycle.Offline)
	select {
	case <-ctx.Done():
	case err := <-served:
		f.Logger.Errorf("[%s] stopped serving: %v", f.Name, err)
		final = lifecycle.StatusOf(lifecycle.Error)
	}

	f.Logger.Infof("[%s] shutting down (waiting for connections to close)", f.Name)
	f.shutdown(server)
	f.release()
	f.report(final)
}

// awaitPrevious blocks until the previous generation released its listener,
// reporting false if ctx is canceled first.
func (f *frontend) awaitPrevious(ctx context.Context) bool {
	if f.Previous == nil {
		return ctx.Err() == nil
	}
	select {
	case <-f.Previous:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

// shutdown closes the listener and waits for plain HTTP requests. Websocket
// connections are hijacked and keep running until they end or are evicted.
func (f *frontend) shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), f.Config.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		f.Logger.Warnf("[%s] forcing shutdown: %v", f.Name, err)
		_ = server.Close()
	}
}

// release signals the next generation that it may bind. A generation that
// never bound still waits for its predecessor, so the hand-off stays ordered.
func (f *frontend) release() {
	f.releaseOnce.Do(func() {
		if f.Previous != nil {
			<-f.Previous
		}
		close(f.Released)
	})
}

func (f *frontend) report(status lifecycle.Status) {
	f.Results <- lifecycle.StatusChanged{Status: status}
}

func (f *frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, notWebsocketResponse)
		return
	}

	// Added before the upgrade: once hijacked the connection is no longer
	// tracked by the http.Server.
	f.clientWg.Add(1)
	defer f.clientWg.Done()

	connection, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.Logger.Debugf("[%s] failed to upgrade connection from %s: %v", f.Name, r.RemoteAddr, err)
		return
	}
	f.acceptClient(r.Context(), connection)
}

// acceptClient sets up the Client for a new connection and hands it to the
// Backend, then moves into the message processing loop.
func (f *frontend) acceptClient(ctx context.Context, connection *websocket.Conn) {
	c := client.NewClient(connection, f.Config.Sessions.WriteTimeout)
	c.DebugTags["listener"] = f.Name
	c.KeepAlive(f.Config.Sessions.MaxMessageSize, f.Config.Sessions.PongWait)

	f.Metrics.ConnectionsTotal.Inc()
	f.Metrics.ConnectionsActive.Inc()
	f.Logger.Infof("[%s] accepted connection from %s", f.Name, c.IPAddr())

	done := make(chan struct{})
	defer close(done)
	go f.keepAlive(c, done)

	if err := f.Backend.Handshake(ctx, c); err != nil {
		f.Logger.Errorf("[%s] Handshake() failed for client %s: %s", f.Name, c.IPAddr(), err)
		f.Metrics.ConnectionsActive.Dec()
		_ = c.Close()
		f.Backend.Disconnect(c)
		return
	}

	f.processMessages(ctx, c)
}

// processMessages starts a blocking loop dedicated to reading frames sent from
// a client and only returns once the connection has closed.
func (f *frontend) processMessages(ctx context.Context, c *client.Client) {
	defer f.closeConnectionAndRecover(c)

	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				f.Logger.Warnf("[%s] connection to %s closed: %v", f.Name, c.IPAddr(), err)
			} else {
				f.Logger.Debugf("[%s] stopped reading from %s: %v", f.Name, c.IPAddr(), err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			f.Metrics.MessagesDropped.WithLabelValues(metrics.DropBinaryMessage).Inc()
			continue
		}

		if err = f.Backend.Handle(ctx, c, data); err != nil {
			f.Logger.Warn("error in client communication: " + err.Error())
			return
		}
	}
}

// keepAlive pings the client until done is closed, and closes the connection
// on eviction so that the reading loop returns.
func (f *frontend) keepAlive(c *client.Client, done <-chan struct{}) {
	var tick <-chan time.Time
	if interval := f.Config.Sessions.PingInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-done:
			return
		case <-f.Evict:
			_ = c.Close()
			return
		case <-tick:
			if err := c.Ping(); err != nil {
				f.Logger.Debugf("[%s] failed to ping %s: %v", f.Name, c.IPAddr(), err)
				_ = c.Close()
				return
			}
		}
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics and
// disconnects the client regardless of the state of the connection.
func (f *frontend) closeConnectionAndRecover(c *client.Client) {
	if err := recover(); err != nil {
		f.Logger.Errorf("error in client communication with %s: error=%s, trace: %s",
			c.IPAddr(), err, debug.Stack())
	}

	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		f.Logger.Warnf("failed to close client connection: %s", err)
	}
	f.Backend.Disconnect(c)
	f.Metrics.ConnectionsActive.Dec()

	f.Logger.Infof("[%s] disconnected client %s", f.Name, c.IPAddr())
}

// acceptor keeps the listener accepting through transient errors, so the
// http.Server only stops once the listener is closed.
type acceptor struct {
	net.Listener
	name    string
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func (a *acceptor) Accept() (net.Conn, error) {
	for {
		connection, err := a.Listener.Accept()
		if err == nil {
			return connection, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		a.metrics.AcceptErrors.Inc()
		a.logger.Warnf("[%s] failed to accept connection: %v", a.name, err)
		time.Sleep(acceptBackoff)
	}
}

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/rotoshake/imagecanvas/internal/canvas"
	"github.com/rotoshake/imagecanvas/internal/ctxlog"
	"github.com/rotoshake/imagecanvas/internal/history"
	"github.com/rotoshake/imagecanvas/internal/op"
)

// connectTimeout bounds the initial socket.io handshake.
const connectTimeout = 15 * time.Second

// requestTimeout is the default bound for request/response round trips that
// arrive without a caller deadline.
const requestTimeout = 10 * time.Second

// ClientConfig wires a sync client.
type ClientConfig struct {
	URL                string
	Namespace          string
	ProjectID          string
	UserID             string
	InsecureSkipVerify bool

	// OnRemoteOperation receives operations applied by peers. Called from
	// the socket.io event goroutine; implementations hand off to the
	// pipeline rather than blocking.
	OnRemoteOperation func(o *op.Operation, stateVersion int64)
	// OnStateUpdate receives server-originated state deltas: another user's
	// undo/redo, or this user's own undo/redo echoed back with its changes.
	OnStateUpdate func(userID string, changes *op.Changes, stateVersion int64)
}

// wireEvent is one response event routed to a pending request.
type wireEvent struct {
	name string
	data map[string]any
}

// Client is the sync connection to the server. It implements
// history.Remote (server-delegated undo/redo) and the pipeline's
// Broadcaster (operation submission with explicit acks).
type Client struct {
	cfg ClientConfig

	manager *socket.Manager
	io      *socket.Socket

	// reqMu serializes request/response round trips; the response events
	// carry no correlation beyond the operation id, so one is in flight at
	// a time.
	reqMu sync.Mutex

	mu      sync.Mutex
	pending chan wireEvent
}

// NewClient returns an unconnected client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{cfg: cfg}
}

// Connect establishes the socket.io connection and joins the configured
// project.
func (c *Client) Connect(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("url", c.cfg.URL, "projectID", c.cfg.ProjectID)
	logger.Info("Connecting to sync server...")

	parsedURL, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if c.cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	c.manager = socket.NewManager(baseURL, opts)
	c.io = c.manager.Socket(c.cfg.Namespace, opts)

	c.io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to sync server.", "sid", c.io.Id())
		connectChan <- nil
	})
	c.io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		connectChan <- err
	})

	c.registerHandlers(ctx)
	c.io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			c.io.Disconnect()
			return fmt.Errorf("sync connection failed: %w", err)
		}
	case <-ctx.Done():
		c.io.Disconnect()
		return fmt.Errorf("context cancelled while connecting: %w", ctx.Err())
	case <-time.After(connectTimeout):
		c.io.Disconnect()
		return fmt.Errorf("timed out after %v waiting for sync connection", connectTimeout)
	}

	return c.join(ctx)
}

// Disconnect tears the connection down.
func (c *Client) Disconnect() {
	if c.io != nil {
		c.io.Disconnect()
	}
}

// registerHandlers installs the persistent event handlers: peer broadcasts
// go to the configured callbacks, request responses are routed to the
// pending round trip.
func (c *Client) registerHandlers(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)

	c.io.On(types.EventName(EventCanvasOperation), func(datas ...any) {
		payload := payloadOf(datas)
		o, err := DecodeOperation(payload["operation"])
		if err != nil {
			logger.Warn("Dropping malformed peer operation.", "error", err)
			return
		}
		if c.cfg.OnRemoteOperation != nil {
			c.cfg.OnRemoteOperation(o, intField(payload, "stateVersion"))
		}
	})

	c.io.On(types.EventName(EventStateUpdate), func(datas ...any) {
		payload := payloadOf(datas)
		changes, err := DecodeChanges(payload["changes"])
		if err != nil {
			logger.Warn("Dropping malformed state update.", "error", err)
			return
		}
		if c.cfg.OnStateUpdate != nil {
			c.cfg.OnStateUpdate(stringField(payload, "userId"), changes, intField(payload, "stateVersion"))
		}
	})

	for _, event := range []string{
		EventOperationAck,
		EventUndoExecuted, EventUndoFailed,
		EventRedoExecuted, EventRedoFailed,
		EventProjectJoined, EventProjectLeft,
		EventFullStateSync,
	} {
		name := event
		c.io.On(types.EventName(name), func(datas ...any) {
			c.route(wireEvent{name: name, data: payloadOf(datas)})
		})
	}
}

// route delivers a response event to the pending round trip, if any.
// Responses nobody is waiting for are dropped.
func (c *Client) route(ev wireEvent) {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil {
		return
	}
	select {
	case pending <- ev:
	default:
	}
}

// await emits a request and blocks until one of the expected response events
// arrives, the context expires, or the default request timeout passes.
func (c *Client) await(ctx context.Context, emitEvent string, payload any, responses ...string) (wireEvent, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	pending := make(chan wireEvent, 1)
	c.mu.Lock()
	c.pending = pending
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if err := c.io.Emit(emitEvent, payload); err != nil {
		return wireEvent{}, fmt.Errorf("failed to emit %s: %w", emitEvent, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	expected := make(map[string]bool, len(responses))
	for _, r := range responses {
		expected[r] = true
	}
	for {
		select {
		case ev := <-pending:
			if expected[ev.name] {
				return ev, nil
			}
		case <-ctx.Done():
			return wireEvent{}, fmt.Errorf("waiting for %s response: %w", emitEvent, ctx.Err())
		case <-timer.C:
			return wireEvent{}, fmt.Errorf("timed out after %v waiting for %s response: %w", requestTimeout, emitEvent, context.DeadlineExceeded)
		}
	}
}

// join binds the connection to the configured project.
func (c *Client) join(ctx context.Context) error {
	ev, err := c.await(ctx, EventJoinProject, map[string]any{
		"projectId": c.cfg.ProjectID,
		"userId":    c.cfg.UserID,
	}, EventProjectJoined)
	if err != nil {
		return err
	}
	if ok, _ := ev.data["success"].(bool); !ok {
		return fmt.Errorf("join rejected: %s", stringField(ev.data, "error"))
	}
	ctxlog.FromContext(ctx).Info("Joined project.", "projectID", c.cfg.ProjectID, "version", intField(ev.data, "version"))
	return nil
}

// Leave detaches from the project without dropping the connection.
func (c *Client) Leave(ctx context.Context) error {
	_, err := c.await(ctx, EventLeaveProject, map[string]any{}, EventProjectLeft)
	return err
}

// Connected implements history.Remote.
func (c *Client) Connected() bool {
	return c.io != nil && c.io.Connected()
}

// Broadcast implements the pipeline's Broadcaster: submit the operation and
// wait for the server's explicit ack. A delivered-but-rejected ack is a
// permanent failure; retrying it would only bounce off duplicate
// suppression.
func (c *Client) Broadcast(ctx context.Context, o *op.Operation) error {
	ev, err := c.await(ctx, EventCanvasOperation, map[string]any{
		"operation": EncodeOperation(o),
	}, EventOperationAck)
	if err != nil {
		return err
	}
	if ok, _ := ev.data["success"].(bool); !ok {
		return backoff.Permanent(fmt.Errorf("operation rejected by server: %s", stringField(ev.data, "error")))
	}
	return nil
}

// Undo implements history.Remote.
func (c *Client) Undo(ctx context.Context, userID, projectID string) history.RemoteOutcome {
	return c.revert(ctx, EventUndoOperation, EventUndoExecuted, EventUndoFailed)
}

// Redo implements history.Remote.
func (c *Client) Redo(ctx context.Context, userID, projectID string) history.RemoteOutcome {
	return c.revert(ctx, EventRedoOperation, EventRedoExecuted, EventRedoFailed)
}

func (c *Client) revert(ctx context.Context, request, okEvent, failEvent string) history.RemoteOutcome {
	ev, err := c.await(ctx, request, map[string]any{}, okEvent, failEvent)
	out := revertOutcome(ev, err, failEvent)
	if out.Status != history.RemoteOK {
		return out
	}

	// The executed response carries the authoritative delta; hand it to the
	// same callback peer updates use so local state converges.
	if c.cfg.OnStateUpdate != nil {
		if changes, err := DecodeChanges(ev.data["changes"]); err == nil && changes != nil {
			c.cfg.OnStateUpdate(c.cfg.UserID, changes, intField(ev.data, "stateVersion"))
		}
	}
	return out
}

// revertOutcome maps an undo/redo round-trip result onto the explicit
// outcome type. Only a missing response counts as a timeout; a transport
// failure is a rejection carrying the real reason.
func revertOutcome(ev wireEvent, err error, failEvent string) history.RemoteOutcome {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return history.RemoteOutcome{Status: history.RemoteTimeout}
	case err != nil:
		return history.RemoteOutcome{Status: history.RemoteRejected, Reason: err.Error()}
	case ev.name == failEvent:
		return history.RemoteOutcome{Status: history.RemoteRejected, Reason: stringField(ev.data, "reason")}
	default:
		return history.RemoteOutcome{Status: history.RemoteOK}
	}
}

// RequestFullSync fetches the authoritative snapshot for reconciliation
// after connect or reconnect.
func (c *Client) RequestFullSync(ctx context.Context) ([]*canvas.Node, int64, error) {
	ev, err := c.await(ctx, EventRequestFullSync, map[string]any{}, EventFullStateSync)
	if err != nil {
		return nil, 0, err
	}
	if ok, _ := ev.data["success"].(bool); !ok {
		return nil, 0, fmt.Errorf("full sync rejected: %s", stringField(ev.data, "error"))
	}
	nodes, err := DecodeNodes(ev.data["nodes"])
	if err != nil {
		return nil, 0, err
	}
	return nodes, intField(ev.data, "version"), nil
}

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kafdeck/kafdeck/pkg/broadcast"
	"github.com/kafdeck/kafdeck/pkg/kafka"
	"github.com/kafdeck/kafdeck/pkg/metrics"
	"go.uber.org/zap"
)

// ConsumerFactory opens a session-scoped consumer for a connection profile.
// The production implementation sits on the kafka client registry; tests
// substitute fakes.
type ConsumerFactory interface {
	NewSessionConsumer(ctx context.Context, connectionID string, opts kafka.ConsumerOptions) (kafka.Consumer, error)
}

// RegistryConsumerFactory adapts a kafka.Registry to the ConsumerFactory
// interface.
type RegistryConsumerFactory struct {
	Clients *kafka.Registry
}

func (f *RegistryConsumerFactory) NewSessionConsumer(ctx context.Context, connectionID string, opts kafka.ConsumerOptions) (kafka.Consumer, error) {
	client, err := f.Clients.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return client.NewSessionConsumer(opts)
}

// CreateRequest carries the caller-supplied session configuration, fixed at
// creation.
type CreateRequest struct {
	PartitionID   *int32 `json:"partitionId,omitempty"`
	StartOffset   *int64 `json:"startOffset,omitempty"`
	ConnectionID  string `json:"connectionId"`
	Topic         string `json:"topic"`
	ConsumerGroup string `json:"consumerGroup,omitempty"`
	PollTimeoutMs int64  `json:"pollTimeoutMs,omitempty"`
	MaxMessages   int64  `json:"maxMessages,omitempty"`
	AutoCommit    *bool  `json:"autoCommit,omitempty"`
}

const defaultPollTimeoutMs = 1000

// Controller is the public entry point for session control. All transitions
// funnel through it; workers only call back via finalize.
type Controller struct {
	store           Store
	registry        *Registry
	consumers       ConsumerFactory
	broker          *broadcast.Broker
	logger          *zap.Logger
	defaultPollTime time.Duration
}

// NewController wires a controller. The registry is created internally; it is
// exposed read-only through Registry().
func NewController(store Store, consumers ConsumerFactory, broker *broadcast.Broker, logger *zap.Logger) *Controller {
	return &Controller{
		store:           store,
		registry:        NewRegistry(),
		consumers:       consumers,
		broker:          broker,
		logger:          logger,
		defaultPollTime: defaultPollTimeoutMs * time.Millisecond,
	}
}

// SetDefaultPollTimeout overrides the poll timeout applied to sessions that
// do not specify one. Call during wiring, before any session is created.
func (c *Controller) SetDefaultPollTimeout(d time.Duration) {
	if d > 0 {
		c.defaultPollTime = d
	}
}

// Registry exposes the live-session registry for read-only queries.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Create validates and persists a new session in CREATED state. No worker is
// started yet.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*ConsumerSession, error) {
	if req.ConnectionID == "" {
		return nil, fmt.Errorf("connectionId is required")
	}
	if req.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	sess := &ConsumerSession{
		ID:            uuid.NewString(),
		ConnectionID:  req.ConnectionID,
		Topic:         req.Topic,
		ConsumerGroup: req.ConsumerGroup,
		PartitionID:   req.PartitionID,
		StartOffset:   req.StartOffset,
		Status:        StatusCreated,
		PollTimeoutMs: req.PollTimeoutMs,
		MaxMessages:   req.MaxMessages,
		AutoCommit:    true,
		CreatedAt:     time.Now(),
	}
	if sess.ConsumerGroup == "" {
		sess.ConsumerGroup = "kafdeck-" + sess.ID
	}
	if sess.PollTimeoutMs <= 0 {
		sess.PollTimeoutMs = c.defaultPollTime.Milliseconds()
	}
	if req.AutoCommit != nil {
		sess.AutoCommit = *req.AutoCommit
	}

	if err := c.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	c.logger.Info("Session created",
		zap.String("session", sess.ID),
		zap.String("connection", sess.ConnectionID),
		zap.String("topic", sess.Topic))
	return sess, nil
}

// Start transitions a CREATED session to RUNNING by launching its worker, or
// resumes a PAUSED one. Any other current state is an illegal transition.
func (c *Controller) Start(ctx context.Context, id string) (Status, error) {
	if h, ok := c.registry.get(id); ok {
		if h.Status() != StatusPaused {
			return h.Status(), &InvalidStateTransitionError{SessionID: id, From: h.Status(), To: StatusRunning}
		}
		if err := c.signal(ctx, h, cmdResume); err != nil {
			return h.Status(), err
		}
		h.setStatus(StatusRunning)
		if err := c.store.UpdateStatus(ctx, id, StatusRunning, ""); err != nil {
			return StatusRunning, err
		}
		c.publishStatus(id, StatusRunning, "")
		c.logger.Info("Session resumed", zap.String("session", id))
		return StatusRunning, nil
	}

	sess, err := c.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.Status != StatusCreated {
		return sess.Status, &InvalidStateTransitionError{SessionID: id, From: sess.Status, To: StatusRunning}
	}

	consumer, err := c.consumers.NewSessionConsumer(ctx, sess.ConnectionID, kafka.ConsumerOptions{
		Topic:       sess.Topic,
		GroupID:     sess.ConsumerGroup,
		Partition:   sess.PartitionID,
		StartOffset: sess.StartOffset,
		AutoCommit:  sess.AutoCommit,
	})
	if err != nil {
		failMsg := fmt.Sprintf("failed to open consumer: %v", err)
		if serr := c.store.UpdateStatus(ctx, id, StatusError, failMsg); serr != nil {
			c.logger.Error("Failed to record session error", zap.String("session", id), zap.Error(serr))
		}
		c.publishStatus(id, StatusError, failMsg)
		c.publishError(id, failMsg)
		metrics.SessionErrors.Inc()
		return StatusError, fmt.Errorf("failed to open consumer for session %s: %w", id, err)
	}

	h, err := c.registry.register(id, StatusRunning)
	if err != nil {
		// another start won the race
		consumer.Close()
		return StatusRunning, &InvalidStateTransitionError{SessionID: id, From: StatusRunning, To: StatusRunning}
	}

	if err := c.store.UpdateStatus(ctx, id, StatusRunning, ""); err != nil {
		c.registry.remove(id)
		consumer.Close()
		return "", err
	}

	w := &worker{
		ctrl:        c,
		h:           h,
		consumer:    consumer,
		sessionID:   id,
		topic:       sess.Topic,
		pollTimeout: sess.PollTimeout(),
		maxMessages: sess.MaxMessages,
		consumed:    sess.MessagesConsumed,
		logger:      c.logger.With(zap.String("session", id), zap.String("topic", sess.Topic)),
	}
	go w.run()

	c.publishStatus(id, StatusRunning, "")
	c.logger.Info("Session started", zap.String("session", id), zap.String("topic", sess.Topic))
	return StatusRunning, nil
}

// Pause signals the worker to stop polling without closing its consumer. It
// returns once the worker has acknowledged, after which no delivery occurs
// until Resume.
func (c *Controller) Pause(ctx context.Context, id string) (Status, error) {
	h, ok := c.registry.get(id)
	if !ok {
		sess, err := c.store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return sess.Status, &InvalidStateTransitionError{SessionID: id, From: sess.Status, To: StatusPaused}
	}
	if h.Status() != StatusRunning {
		return h.Status(), &InvalidStateTransitionError{SessionID: id, From: h.Status(), To: StatusPaused}
	}

	if err := c.signal(ctx, h, cmdPause); err != nil {
		return h.Status(), err
	}
	h.setStatus(StatusPaused)
	if err := c.store.UpdateStatus(ctx, id, StatusPaused, ""); err != nil {
		return StatusPaused, err
	}
	c.publishStatus(id, StatusPaused, "")
	c.logger.Info("Session paused", zap.String("session", id))
	return StatusPaused, nil
}

// Resume is Start from PAUSED.
func (c *Controller) Resume(ctx context.Context, id string) (Status, error) {
	return c.Start(ctx, id)
}

// Stop cancels the session's worker and waits for it to finish its in-flight
// publish and close its consumer. Stopping an already-STOPPED session is a
// no-op. A CREATED session stops directly without a worker ever existing.
func (c *Controller) Stop(ctx context.Context, id string) (Status, error) {
	if h, ok := c.registry.get(id); ok {
		select {
		case h.ctrl <- controlMsg{cmd: cmdStop, ack: make(chan struct{})}:
		case <-h.done:
			// worker finished on its own in the meantime
		case <-ctx.Done():
			return h.Status(), ctx.Err()
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			return h.Status(), ctx.Err()
		}
		sess, err := c.store.Get(ctx, id)
		if err != nil {
			return StatusStopped, err
		}
		return sess.Status, nil
	}

	sess, err := c.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	switch sess.Status {
	case StatusStopped:
		return StatusStopped, nil
	case StatusCreated:
		if err := c.store.UpdateStatus(ctx, id, StatusStopped, ""); err != nil {
			return sess.Status, err
		}
		c.publishStatus(id, StatusStopped, "")
		c.logger.Info("Session stopped before start", zap.String("session", id))
		return StatusStopped, nil
	case StatusRunning, StatusPaused:
		// store says live but no worker exists: the record is a leftover, from
		// a crashed process or a status write that lost a race with finalize.
		// Stop must still win, so move it to STOPPED directly.
		if err := c.store.UpdateStatus(ctx, id, StatusStopped, ""); err != nil {
			return sess.Status, err
		}
		c.publishStatus(id, StatusStopped, "")
		c.logger.Warn("Stopped session with no live worker",
			zap.String("session", id),
			zap.String("was", string(sess.Status)))
		return StatusStopped, nil
	default:
		return sess.Status, &InvalidStateTransitionError{SessionID: id, From: sess.Status, To: StatusStopped}
	}
}

// Get returns the durable session record. The store is kept in sync on every
// transition, so this is also the query surface for live sessions.
func (c *Controller) Get(ctx context.Context, id string) (*ConsumerSession, error) {
	return c.store.Get(ctx, id)
}

// List returns sessions matching the filter.
func (c *Controller) List(ctx context.Context, filter Filter) ([]*ConsumerSession, error) {
	return c.store.List(ctx, filter)
}

// Delete removes a terminal session. Live sessions must be stopped first.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if c.registry.Alive(id) {
		return ErrSessionActive
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.logger.Info("Session deleted", zap.String("session", id))
	return nil
}

// ActiveSessionCount reports non-terminal sessions bound to a connection
// profile, used to refuse profile deletion while consumers still depend on
// it. A CREATED session counts: it references the profile even though no
// worker exists yet.
func (c *Controller) ActiveSessionCount(ctx context.Context, connectionID string) (int, error) {
	sessions, err := c.store.List(ctx, Filter{ConnectionID: connectionID})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sess := range sessions {
		if !sess.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

// BindSubscriber records (or rebinds) the subscriber channel attached to a
// session. An empty channelID clears the binding.
func (c *Controller) BindSubscriber(ctx context.Context, id, channelID string) error {
	return c.store.BindSubscriber(ctx, id, channelID)
}

// Messages reads the consumed-message log for browsing.
func (c *Controller) Messages(ctx context.Context, id string, limit int) ([]kafka.Record, error) {
	return c.store.ListMessages(ctx, id, limit)
}

// Shutdown stops every live session, bounded by ctx.
func (c *Controller) Shutdown(ctx context.Context) {
	for _, id := range c.registry.IDs() {
		if _, err := c.Stop(ctx, id); err != nil {
			c.logger.Warn("Failed to stop session during shutdown",
				zap.String("session", id),
				zap.Error(err))
		}
	}
}

// signal sends a command to a worker and waits for the acknowledgement. The
// wait is bounded by one in-flight poll plus ctx.
func (c *Controller) signal(ctx context.Context, h *handle, cmd command) error {
	msg := controlMsg{cmd: cmd, ack: make(chan struct{})}
	select {
	case h.ctrl <- msg:
	case <-h.done:
		return &InvalidStateTransitionError{SessionID: h.id, From: StatusStopped, To: StatusRunning}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-msg.ack:
		return nil
	case <-h.done:
		return &InvalidStateTransitionError{SessionID: h.id, From: StatusStopped, To: StatusRunning}
	case <-ctx.Done():
		return ctx.Err()
	}
}

type statusPayload struct {
	SessionID    string `json:"sessionId"`
	Status       Status `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func (c *Controller) publishStatus(id string, status Status, errMsg string) {
	c.broker.Publish(broadcast.StatusTopic(id), broadcast.Event{
		Type:      broadcast.EventStatus,
		SessionID: id,
		Payload:   statusPayload{SessionID: id, Status: status, ErrorMessage: errMsg},
	})
}

func (c *Controller) publishError(id, reason string) {
	c.broker.Publish(broadcast.ErrorTopic(id), broadcast.Event{
		Type:      broadcast.EventError,
		SessionID: id,
		Payload:   map[string]string{"sessionId": id, "error": reason},
	})
}

// finalize records a worker's terminal transition. It is only ever called from
// the worker goroutine that owns the session.
func (c *Controller) finalize(id string, status Status, errMsg string) {
	ctx := context.Background()
	if err := c.store.UpdateStatus(ctx, id, status, errMsg); err != nil {
		c.logger.Error("Failed to record terminal status",
			zap.String("session", id),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	if h, ok := c.registry.get(id); ok {
		h.setStatus(status)
	}
	c.registry.remove(id)

	c.publishStatus(id, status, errMsg)
	if status == StatusError {
		c.publishError(id, errMsg)
		metrics.SessionErrors.Inc()
	}
	c.logger.Info("Session finalized",
		zap.String("session", id),
		zap.String("status", string(status)))
}

// Package chat is the facade the application talks to. It owns the message
// cache and the pending queue, orchestrates the connection manager and the
// REST client, and exposes a small evented API. Operations degrade to
// cached or empty results on transient failure instead of returning errors;
// only misuse (missing IDs, calling before Initialize) errors out.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amoro/chatcore/internal/bus"
	"github.com/amoro/chatcore/internal/cache"
	"github.com/amoro/chatcore/internal/conn"
	"github.com/amoro/chatcore/internal/dedup"
	"github.com/amoro/chatcore/internal/identity"
	"github.com/amoro/chatcore/internal/model"
	"github.com/amoro/chatcore/internal/pending"
	"github.com/amoro/chatcore/internal/rest"
)

var (
	ErrNotInitialized = errors.New("chat: service not initialized")
	ErrNoRecipient    = errors.New("chat: recipient id required")
	ErrNoConversation = errors.New("chat: conversation id required")
	ErrEmptyContent   = errors.New("chat: message content required")
)

// Replay order after reconnect: messages before read receipts.
const (
	priorityMessage = 2
	priorityRead    = 1
)

// Connector is the slice of the connection manager the service drives.
type Connector interface {
	Init(ctx context.Context, userID, token string) error
	Reconnect()
	Disconnect()
	Connected() bool
	Emit(event string, payload any) error
}

// API is the REST collaborator.
type API interface {
	Messages(ctx context.Context, conversationID string, page, limit int) ([]*model.Message, error)
	Send(ctx context.Context, m *model.Message) (*model.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	Conversations(ctx context.Context) ([]model.Conversation, error)
}

// Archive is the optional on-disk message store. Every operation is scoped
// to the owning user's id, so accounts sharing one device never see each
// other's history. A nil Archive disables persistence.
type Archive interface {
	UpsertMessage(ownerID string, m *model.Message) error
	ListMessages(ownerID, conversationID string, limit int) ([]*model.Message, error)
	MarkConversationRead(ownerID, conversationID string) error
	UpsertConversation(ownerID string, c *model.Conversation) error
	ListConversations(ownerID string, limit int) ([]model.Conversation, error)
}

// Config tunes the facade's deadlines and throttles.
type Config struct {
	SendAckTimeout time.Duration // socket ack race before HTTP fallback
	FetchTimeout   time.Duration // REST call deadline
	InitTimeout    time.Duration // bound on transport setup during Initialize
	FreshTTL       time.Duration // cache freshness window
	TypingInterval time.Duration // per-recipient typing throttle
	WarmLimit      int           // messages per conversation loaded from the archive
}

// DefaultConfig returns production tunings. The ack timeout is short so a
// slow socket falls back to HTTP quickly; fetch is longer because its only
// fallback is the cache.
func DefaultConfig() Config {
	return Config{
		SendAckTimeout: 3 * time.Second,
		FetchTimeout:   8 * time.Second,
		InitTimeout:    10 * time.Second,
		FreshTTL:       30 * time.Second,
		TypingInterval: 2 * time.Second,
		WarmLimit:      50,
	}
}

type initFlight struct {
	done chan struct{}
	ok   bool
	err  error
}

// Service is the chat facade. One instance per logged-in session.
type Service struct {
	conn    Connector
	api     API
	bus     *bus.Bus
	cache   *cache.Messages
	convs   *cache.Conversations
	queue   *pending.Queue
	tracker *dedup.Tracker
	archive Archive
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	userID   string
	ready    bool
	socketUp bool
	flight   *initFlight
	flightID string
	outbound map[string]string // tempId -> conversationId for in-flight sends
	typedAt  map[string]time.Time

	stops []func()
}

// NewService wires the facade onto the bus. Subscriptions live for the
// service's lifetime; call Close to release them.
func NewService(c Connector, api API, b *bus.Bus, msgs *cache.Messages,
	convs *cache.Conversations, q *pending.Queue, tracker *dedup.Tracker,
	archive Archive, cfg Config, logger *zap.Logger) *Service {

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		conn:     c,
		api:      api,
		bus:      b,
		cache:    msgs,
		convs:    convs,
		queue:    q,
		tracker:  tracker,
		archive:  archive,
		cfg:      cfg,
		logger:   logger,
		outbound: make(map[string]string),
		typedAt:  make(map[string]time.Time),
	}

	s.stops = append(s.stops,
		b.Subscribe(conn.EventMessage, s.handleInbound),
		b.Subscribe(conn.EventSendAck, s.ackHandler(model.StatusSent)),
		b.Subscribe(conn.EventSendQueued, s.ackHandler(model.StatusQueued)),
		b.Subscribe(conn.EventSendError, s.ackHandler(model.StatusError)),
		b.Subscribe(conn.EventTyping, s.handleTyping),
		b.Subscribe(conn.EventNotification, s.handleNotification),
		b.Subscribe(conn.EventEstablished, s.handleConnected),
		b.Subscribe(conn.EventReconnected, s.handleConnected),
	)
	return s
}

// Initialize resolves the user identity, warms the caches from the archive
// and brings the transport up. It is idempotent for the same user and
// single-flight: a concurrent call for the same user waits for the first.
// The returned bool reports whether the socket session is live; a failed
// transport still initializes the service in HTTP-fallback mode, so the
// error is non-nil only for unusable identities.
func (s *Service) Initialize(ctx context.Context, user model.User, token string) (bool, error) {
	id, err := identity.Resolve(user.ID, token)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.ready && s.userID == id {
		up := s.socketUp
		s.mu.Unlock()
		return up, nil
	}
	if s.flight != nil && s.flightID == id {
		f := s.flight
		s.mu.Unlock()
		<-f.done
		return f.ok, f.err
	}
	if s.ready && s.userID != id {
		// Switching users invalidates everything the old session cached.
		s.cache.Reset()
		s.convs.Reset()
		s.queue.Clear()
		s.ready = false
	}
	f := &initFlight{done: make(chan struct{})}
	s.flight = f
	s.flightID = id
	s.mu.Unlock()

	s.warmFromArchive(id)

	ictx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	connErr := s.conn.Init(ictx, id, token)
	cancel()
	if connErr != nil {
		s.logger.Warn("transport setup failed, continuing in http-only mode",
			zap.String("user", id), zap.Error(connErr))
	}

	s.mu.Lock()
	s.userID = id
	s.ready = true
	s.socketUp = connErr == nil
	s.flight = nil
	s.flightID = ""
	f.ok = connErr == nil
	s.mu.Unlock()
	close(f.done)

	return f.ok, nil
}

// GetMessages returns a conversation page, cache-first. Page 1 within the
// freshness TTL is served from cache without a network call. On fetch
// failure whatever is cached is returned instead of an error.
func (s *Service) GetMessages(ctx context.Context, conversationID string, page, limit int) ([]*model.Message, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	if !s.isReady() {
		return nil, ErrNotInitialized
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}

	if page == 1 && s.cache.Fresh(conversationID, s.cfg.FreshTTL) {
		return s.cached(conversationID), nil
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	fetched, err := s.api.Messages(fctx, conversationID, page, limit)
	cancel()
	if err != nil {
		s.logger.Warn("message fetch failed, serving cache",
			zap.String("conversation", conversationID), zap.Error(err))
		return s.cached(conversationID), nil
	}

	for _, m := range fetched {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		s.cache.Upsert(conversationID, m)
		s.persist(m)
	}
	if page == 1 {
		// Re-stamp freshness with the merged list.
		s.cache.Put(conversationID, s.cache.Get(conversationID))
	}
	return s.cached(conversationID), nil
}

// SendMessage sends optimistically: the message lands in the cache in
// "sending" state immediately, then delivery races a socket acknowledgement
// against a short timeout before falling back to HTTP POST. Exactly one of
// sent/queued/error becomes the terminal status regardless of which path
// settles first. Offline with HTTP down, the message stays pending and the
// send is queued for replay after reconnect.
func (s *Service) SendMessage(ctx context.Context, recipientID, content, msgType string, metadata map[string]string) (*model.Message, error) {
	if recipientID == "" {
		return nil, ErrNoRecipient
	}
	if content == "" {
		return nil, ErrEmptyContent
	}
	if !s.isReady() {
		return nil, ErrNotInitialized
	}
	if msgType == "" {
		msgType = model.TypeText
	}
	selfID := s.self()

	// Double-submit protection before any transmission is attempted.
	fp := fmt.Sprintf("send:%s:%s:%s", selfID, recipientID, content)
	if s.tracker.Check(fp) {
		if prior := s.recentOwn(recipientID, selfID, content); prior != nil {
			s.logger.Debug("suppressing duplicate send",
				zap.String("recipient", recipientID))
			return prior, nil
		}
	}

	msg := &model.Message{
		TempID:         uuid.NewString(),
		ConversationID: recipientID,
		SenderID:       selfID,
		RecipientID:    recipientID,
		Content:        content,
		Type:           msgType,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
		Status:         model.StatusSending,
		Pending:        true,
	}

	if !s.cache.Upsert(recipientID, msg) {
		if prior := s.recentOwn(recipientID, selfID, content); prior != nil {
			return prior, nil
		}
		return msg, nil
	}
	s.trackOutbound(msg.TempID, recipientID)
	s.persist(msg)
	s.bus.Publish(EventMessageUpdated, msg)

	if s.conn.Connected() {
		if final, done, err := s.sendViaSocket(ctx, msg); done {
			return final, err
		}
	}
	return s.sendViaHTTP(ctx, msg)
}

// sendViaSocket emits the message and waits for a matching acknowledgement.
// done is false when the attempt timed out or the emit failed, in which
// case the caller falls back to HTTP.
func (s *Service) sendViaSocket(ctx context.Context, msg *model.Message) (final *model.Message, done bool, err error) {
	acked := make(chan string, 3)
	match := func(payload any) bool {
		ack, ok := payload.(*model.SendAck)
		return ok && ack.TempID == msg.TempID
	}
	signal := func(status string) bus.Handler {
		return func(any) {
			select {
			case acked <- status:
			default:
			}
		}
	}
	cancels := []func(){
		s.bus.SubscribeOnce(conn.EventSendAck, signal(model.StatusSent), match),
		s.bus.SubscribeOnce(conn.EventSendQueued, signal(model.StatusQueued), match),
		s.bus.SubscribeOnce(conn.EventSendError, signal(model.StatusError), match),
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	if emitErr := s.conn.Emit(conn.WireSendMessage, msg); emitErr != nil {
		s.logger.Warn("socket emit failed, falling back to http",
			zap.String("temp_id", msg.TempID), zap.Error(emitErr))
		return nil, false, nil
	}

	select {
	case status := <-acked:
		// The persistent ack handler already finalized the cache entry.
		final = s.lookup(msg.ConversationID, msg.TempID)
		if final == nil {
			final = msg
		}
		if status == model.StatusError {
			return final, true, fmt.Errorf("chat: send rejected: %s", final.Error)
		}
		return final, true, nil
	case <-time.After(s.cfg.SendAckTimeout):
		s.logger.Info("socket ack timed out, falling back to http",
			zap.String("temp_id", msg.TempID))
		return nil, false, nil
	case <-ctx.Done():
		return msg, true, ctx.Err()
	}
}

func (s *Service) sendViaHTTP(ctx context.Context, msg *model.Message) (*model.Message, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	served, err := s.api.Send(hctx, msg)
	cancel()

	switch {
	case err == nil:
		ack := &model.SendAck{
			TempID:         msg.TempID,
			ConversationID: msg.ConversationID,
		}
		if served != nil {
			ack.ID = served.ID
			ack.CreatedAt = served.CreatedAt
		}
		final := s.finalize(ack, model.StatusSent)
		if final == nil {
			final = msg
		}
		return final, nil

	case errors.Is(err, rest.ErrRejected):
		ack := &model.SendAck{
			TempID:         msg.TempID,
			ConversationID: msg.ConversationID,
			Error:          err.Error(),
		}
		final := s.finalize(ack, model.StatusError)
		if final == nil {
			final = msg
		}
		return final, err

	default:
		// Transient failure. Leave the message in sending state and queue
		// the send for replay; a later socket ack or HTTP retry settles it.
		accepted := s.queue.Enqueue(model.PendingOp{
			Event:    conn.WireSendMessage,
			Payload:  msg,
			Priority: priorityMessage,
		})
		s.logger.Warn("send failed, message queued for replay",
			zap.String("temp_id", msg.TempID),
			zap.Bool("queued", accepted),
			zap.Error(err))
		return msg, nil
	}
}

// MarkConversationRead flags inbound messages as read locally and tells the
// server best-effort. Failures are logged, never surfaced.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	if !s.isReady() {
		return ErrNotInitialized
	}
	selfID := s.self()

	if n := s.cache.MarkRead(conversationID, selfID); n > 0 {
		s.logger.Debug("marked cached messages read",
			zap.String("conversation", conversationID), zap.Int("count", n))
	}
	if s.archive != nil {
		if err := s.archive.MarkConversationRead(selfID, conversationID); err != nil {
			s.logger.Warn("archive mark-read failed", zap.Error(err))
		}
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	if err := s.api.MarkRead(rctx, conversationID); err != nil {
		s.logger.Warn("server mark-read failed",
			zap.String("conversation", conversationID), zap.Error(err))
	}
	return nil
}

// GetConversations returns the conversation list, cache-first. On a stale
// cache it races the REST fetch against the local archive and takes the
// first non-empty result; on total failure it returns the last known list.
func (s *Service) GetConversations(ctx context.Context) ([]model.Conversation, error) {
	if !s.isReady() {
		return nil, ErrNotInitialized
	}
	if s.convs.Fresh(s.cfg.FreshTTL) {
		return s.convs.Get(), nil
	}

	type result struct {
		list    []model.Conversation
		fromAPI bool
	}
	sources := 1
	results := make(chan result, 2)
	selfID := s.self()

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	go func() {
		list, err := s.api.Conversations(fctx)
		if err != nil {
			s.logger.Warn("conversation fetch failed", zap.Error(err))
			list = nil
		}
		results <- result{list: list, fromAPI: true}
	}()
	if s.archive != nil {
		sources++
		go func() {
			list, err := s.archive.ListConversations(selfID, 0)
			if err != nil {
				list = nil
			}
			results <- result{list: list}
		}()
	}

	for i := 0; i < sources; i++ {
		select {
		case r := <-results:
			if len(r.list) == 0 {
				continue
			}
			s.convs.Put(r.list)
			if r.fromAPI && s.archive != nil {
				for j := range r.list {
					if err := s.archive.UpsertConversation(selfID, &r.list[j]); err != nil {
						s.logger.Warn("archive conversation write failed", zap.Error(err))
						break
					}
				}
			}
			return s.convs.Get(), nil
		case <-fctx.Done():
			i = sources
		}
	}

	if last := s.convs.Get(); last != nil {
		return last, nil
	}
	return []model.Conversation{}, nil
}

// SendTypingIndicator emits a typing event, throttled per recipient and
// silently dropped while disconnected. Typing is never queued; a stale
// indicator is worse than none.
func (s *Service) SendTypingIndicator(recipientID string) {
	if recipientID == "" || !s.isReady() || !s.conn.Connected() {
		return
	}
	s.mu.Lock()
	last := s.typedAt[recipientID]
	if time.Since(last) < s.cfg.TypingInterval {
		s.mu.Unlock()
		return
	}
	s.typedAt[recipientID] = time.Now()
	selfID := s.userID
	s.mu.Unlock()

	if err := s.conn.Emit(conn.WireTyping, model.Typing{
		SenderID:    selfID,
		RecipientID: recipientID,
	}); err != nil {
		s.logger.Debug("typing emit dropped", zap.Error(err))
	}
}

// On subscribes a handler to a service event and returns its unsubscribe.
func (s *Service) On(event string, handler bus.Handler) func() {
	return s.bus.Subscribe(event, handler)
}

// Close releases the bus subscriptions and tears the transport down.
func (s *Service) Close() {
	for _, stop := range s.stops {
		stop()
	}
	s.stops = nil
	s.conn.Disconnect()
}

// --- bus handlers ---

func (s *Service) handleInbound(payload any) {
	msg, ok := payload.(*model.Message)
	if !ok {
		return
	}
	convID := msg.ConversationID
	if convID == "" {
		// Threads are keyed by the counterpart: inbound from the sender,
		// device-echoed own messages from the recipient.
		if msg.SenderID == s.self() {
			convID = msg.RecipientID
		} else {
			convID = msg.SenderID
		}
		msg.ConversationID = convID
	}
	if convID == "" {
		s.logger.Warn("dropping message without addressable conversation")
		return
	}
	if !s.cache.Upsert(convID, msg) {
		return
	}
	s.persist(msg)
	s.bus.Publish(EventMessageReceived, msg)
}

func (s *Service) ackHandler(status string) bus.Handler {
	return func(payload any) {
		ack, ok := payload.(*model.SendAck)
		if !ok {
			return
		}
		s.finalize(ack, status)
	}
}

func (s *Service) handleTyping(payload any) {
	if t, ok := payload.(*model.Typing); ok {
		s.bus.Publish(EventUserTyping, t)
	}
}

func (s *Service) handleNotification(payload any) {
	s.bus.Publish(EventNotification, payload)
}

func (s *Service) handleConnected(any) {
	go s.queue.Drain(context.Background(), func(op model.PendingOp) error {
		return s.conn.Emit(op.Event, op.Payload)
	})
}

// finalize settles an outbound message exactly once. The cache merge keeps
// a reached terminal status sticky, so the loser of a socket-vs-HTTP race
// lands here as a no-op; the settlement events fire only on the first
// transition out of sending.
func (s *Service) finalize(ack *model.SendAck, status string) *model.Message {
	convID := ack.ConversationID
	if convID == "" {
		convID = s.outboundConv(ack.TempID)
	}
	if convID == "" || ack.TempID == "" {
		s.logger.Debug("ignoring unaddressable ack",
			zap.String("temp_id", ack.TempID), zap.String("status", status))
		return nil
	}

	settled := s.cache.Settle(convID, &model.Message{
		TempID:         ack.TempID,
		ID:             ack.ID,
		ConversationID: convID,
		CreatedAt:      ack.CreatedAt,
		Status:         status,
		Error:          ack.Error,
	})
	final := s.lookup(convID, ack.TempID)
	if final == nil {
		return nil
	}
	if !settled {
		// A racing delivery path already settled this tempId.
		return final
	}
	s.persist(final)
	s.forgetOutbound(ack.TempID)

	switch status {
	case model.StatusSent:
		s.bus.Publish(EventMessageSent, final)
	case model.StatusQueued:
		s.bus.Publish(EventMessageQueued, final)
	case model.StatusError:
		s.bus.Publish(EventMessageError, final)
	}
	s.bus.Publish(EventMessageUpdated, final)
	return final
}

// --- helpers ---

func (s *Service) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Service) trackOutbound(tempID, conversationID string) {
	s.mu.Lock()
	s.outbound[tempID] = conversationID
	s.mu.Unlock()
}

func (s *Service) outboundConv(tempID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound[tempID]
}

func (s *Service) forgetOutbound(tempID string) {
	s.mu.Lock()
	delete(s.outbound, tempID)
	s.mu.Unlock()
}

func (s *Service) lookup(conversationID, tempID string) *model.Message {
	for _, m := range s.cache.Get(conversationID) {
		if m.TempID == tempID {
			return m
		}
	}
	return nil
}

// recentOwn finds the newest own message with the given content, for
// returning the prior entry on a suppressed duplicate send.
func (s *Service) recentOwn(conversationID, selfID, content string) *model.Message {
	msgs := s.cache.Get(conversationID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderID == selfID && msgs[i].Content == content {
			return msgs[i]
		}
	}
	return nil
}

func (s *Service) cached(conversationID string) []*model.Message {
	if msgs := s.cache.Get(conversationID); msgs != nil {
		return msgs
	}
	return []*model.Message{}
}

func (s *Service) persist(m *model.Message) {
	if s.archive == nil {
		return
	}
	if err := s.archive.UpsertMessage(s.self(), m); err != nil {
		s.logger.Warn("archive write failed",
			zap.String("temp_id", m.TempID), zap.Error(err))
	}
}

// warmFromArchive preloads the owning user's conversations and their recent
// messages so a restarted client renders history before the first network
// round-trip. Warm entries are deliberately not stamped fresh; the first
// GetMessages still revalidates against the server.
func (s *Service) warmFromArchive(ownerID string) {
	if s.archive == nil {
		return
	}
	convs, err := s.archive.ListConversations(ownerID, 0)
	if err != nil {
		s.logger.Warn("archive warm-up failed", zap.Error(err))
		return
	}
	warmed := 0
	for _, c := range convs {
		msgs, err := s.archive.ListMessages(ownerID, c.PartnerID, s.cfg.WarmLimit)
		if err != nil || len(msgs) == 0 {
			continue
		}
		for _, m := range msgs {
			s.cache.Upsert(c.PartnerID, m)
		}
		warmed++
	}
	if warmed > 0 {
		s.logger.Info("warmed message cache from archive",
			zap.Int("conversations", warmed))
	}
}

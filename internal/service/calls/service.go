package calls

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/callengine"
	"github.com/vovakirdan/wirechat-calls/internal/media"
	"github.com/vovakirdan/wirechat-calls/internal/metrics"
	"github.com/vovakirdan/wirechat-calls/internal/peer"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

// Common errors for call operations.
var (
	ErrCallNotFound = errors.New("call not found")
	ErrClosed       = errors.New("call service closed")
)

// Deps holds what the service needs to build engines for the local user.
type Deps struct {
	Self    store.Participant
	Store   store.Store
	Source  media.Source
	Drivers peer.Factory
	Metrics *metrics.Metrics

	RosterOnAnswer bool
	// AutoAnswer joins every incoming call seen through WatchChat.
	AutoAnswer   bool
	WriteTimeout time.Duration
}

// IncomingCall announces a ringing call started by someone else in a
// watched chat.
type IncomingCall struct {
	CallID      string         `json:"call_id"`
	ChatID      string         `json:"chat_id"`
	GroupID     string         `json:"group_id,omitempty"`
	InitiatorID string         `json:"initiator_id"`
	Type        store.CallType `json:"type"`
	StartedAt   time.Time      `json:"started_at"`
}

type entry struct {
	engine *callengine.Engine
	cancel context.CancelFunc
}

type watchHandle struct {
	cancel context.CancelFunc
}

// Service owns the call engines of one local user. At most one call is live
// at a time; finished engines stay readable until the next call begins.
type Service struct {
	deps Deps
	log  *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	states   *fanout[callengine.State]
	incoming *fanout[IncomingCall]

	mu      sync.Mutex
	closed  bool
	live    *entry
	engines map[string]*entry
	watches map[string]*watchHandle
	seen    map[string]string // announced call ID -> chat ID
	wg      sync.WaitGroup
}

// New creates a Service.
func New(deps Deps, logger *zerolog.Logger) (*Service, error) {
	if deps.Self.UserID == "" {
		return nil, errors.New("self user id is required")
	}
	if deps.Store == nil || deps.Source == nil || deps.Drivers == nil {
		return nil, errors.New("store, media source and drivers are required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	sublogger := logger.With().Str("component", "calls").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:     deps,
		log:      &sublogger,
		ctx:      ctx,
		cancel:   cancel,
		states:   newFanout[callengine.State](),
		incoming: newFanout[IncomingCall](),
		engines:  make(map[string]*entry),
		watches:  make(map[string]*watchHandle),
		seen:     make(map[string]string),
	}, nil
}

// StartCall places a call in chatID and returns once it is ringing.
func (s *Service) StartCall(ctx context.Context, chatID, groupID string, t store.CallType) (callengine.State, error) {
	e, err := s.newEngine()
	if err != nil {
		return callengine.State{}, err
	}
	callID, err := e.engine.StartCall(ctx, chatID, groupID, t)
	if err != nil {
		s.discard(e)
		return callengine.State{}, err
	}
	s.register(callID, e)
	return e.engine.State(), nil
}

// JoinCall answers or joins callID. Joining a call this device is already
// part of returns its current state.
func (s *Service) JoinCall(ctx context.Context, callID string) (callengine.State, error) {
	s.mu.Lock()
	if cur, ok := s.engines[callID]; ok && !cur.engine.Status().IsTerminal() {
		s.mu.Unlock()
		return cur.engine.State(), nil
	}
	s.mu.Unlock()

	e, err := s.newEngine()
	if err != nil {
		return callengine.State{}, err
	}
	if err := e.engine.JoinExistingCall(ctx, callID); err != nil {
		s.discard(e)
		return callengine.State{}, err
	}
	s.register(callID, e)
	return e.engine.State(), nil
}

// EndCall hangs up callID for everyone.
func (s *Service) EndCall(ctx context.Context, callID string) (callengine.State, error) {
	e, err := s.lookup(callID)
	if err != nil {
		return callengine.State{}, err
	}
	if err := e.engine.EndCall(ctx); err != nil {
		return callengine.State{}, err
	}
	return e.engine.State(), nil
}

// LeaveCall takes the local user off the roster of callID.
func (s *Service) LeaveCall(ctx context.Context, callID string) (callengine.State, error) {
	e, err := s.lookup(callID)
	if err != nil {
		return callengine.State{}, err
	}
	if err := e.engine.LeaveCall(ctx); err != nil {
		return callengine.State{}, err
	}
	return e.engine.State(), nil
}

func (s *Service) ToggleMute(ctx context.Context, callID string) (callengine.State, error) {
	e, err := s.lookup(callID)
	if err != nil {
		return callengine.State{}, err
	}
	if _, err := e.engine.ToggleMute(ctx); err != nil {
		return callengine.State{}, err
	}
	return e.engine.State(), nil
}

func (s *Service) ToggleCamera(ctx context.Context, callID string) (callengine.State, error) {
	e, err := s.lookup(callID)
	if err != nil {
		return callengine.State{}, err
	}
	if _, err := e.engine.ToggleCamera(ctx); err != nil {
		return callengine.State{}, err
	}
	return e.engine.State(), nil
}

// Get returns the state of callID.
func (s *Service) Get(callID string) (callengine.State, error) {
	e, err := s.lookup(callID)
	if err != nil {
		return callengine.State{}, err
	}
	return e.engine.State(), nil
}

// List returns the state of every known call, newest status changes last.
func (s *Service) List() []callengine.State {
	s.mu.Lock()
	out := make([]callengine.State, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, e.engine.State())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if a, b := out[i].Status.IsTerminal(), out[j].Status.IsTerminal(); a != b {
			return a
		}
		return out[i].CallID < out[j].CallID
	})
	return out
}

// States delivers every state change of every engine.
func (s *Service) States() (<-chan callengine.State, func()) {
	return s.states.subscribe()
}

// Incoming delivers incoming calls seen in watched chats.
func (s *Service) Incoming() (<-chan IncomingCall, func()) {
	return s.incoming.subscribe()
}

// WatchChat observes chatID for calls started by other users until ctx is
// done, Unwatch is called or the service closes. Watching a chat twice is a
// no-op.
func (s *Service) WatchChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return errors.New("chat id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.watches[chatID]; ok {
		return nil
	}

	wctx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	changes, unsubscribe, err := s.deps.Store.SubscribeActiveSessionForChat(wctx, chatID)
	if err != nil {
		stop()
		cancel()
		return fmt.Errorf("watch chat: %w", err)
	}
	h := &watchHandle{cancel: cancel}
	s.watches[chatID] = h

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		defer unsubscribe()
		s.watch(wctx, chatID, changes)

		s.mu.Lock()
		if s.watches[chatID] == h {
			delete(s.watches, chatID)
		}
		s.mu.Unlock()
		cancel()
	}()
	s.log.Info().Str("chat_id", chatID).Msg("watching chat for calls")
	return nil
}

// Unwatch stops observing chatID.
func (s *Service) Unwatch(chatID string) {
	s.mu.Lock()
	h, ok := s.watches[chatID]
	delete(s.watches, chatID)
	s.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// Watching returns the watched chat IDs.
func (s *Service) Watching() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.watches))
	for id := range s.watches {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Service) watch(ctx context.Context, chatID string, changes <-chan store.SessionChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				s.log.Warn().Str("chat_id", chatID).Msg("chat subscription closed")
				return
			}
			s.onChatSession(chatID, change.Session)
		}
	}
}

func (s *Service) onChatSession(chatID string, sess *store.CallSession) {
	active := ""
	if sess != nil && sess.Status.IsActive() {
		active = sess.ID
	}

	s.mu.Lock()
	s.forgetLocked(chatID, active)
	if sess == nil || sess.Status != store.StatusRinging || sess.InitiatorID == s.deps.Self.UserID {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[sess.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[sess.ID] = chatID
	s.mu.Unlock()

	call := IncomingCall{
		CallID:      sess.ID,
		ChatID:      sess.ChatID,
		GroupID:     sess.GroupID,
		InitiatorID: sess.InitiatorID,
		Type:        sess.Type,
		StartedAt:   sess.StartedAt,
	}
	s.log.Info().Str("call_id", call.CallID).Str("chat_id", call.ChatID).Str("initiator_id", call.InitiatorID).Msg("incoming call")
	s.incoming.publish(call)

	if !s.deps.AutoAnswer {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.JoinCall(s.ctx, call.CallID); err != nil {
			s.log.Warn().Err(err).Str("call_id", call.CallID).Msg("auto answer failed")
		}
	}()
}

// Close hangs up every live call and stops all watches. It waits for
// engines to persist their final status until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	engines := make([]*entry, 0, len(s.engines)+1)
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	if s.live != nil {
		engines = append(engines, s.live)
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	for _, e := range engines {
		e.cancel()
		select {
		case <-e.engine.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.states.close()
	s.incoming.close()
	return err
}

// newEngine builds and runs an engine, refusing while another call is live.
func (s *Service) newEngine() (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.live != nil && !s.live.engine.Status().IsTerminal() {
		return nil, callengine.ErrCallInProgress
	}
	s.reapLocked()

	engine, err := callengine.New(callengine.Options{
		Self:           s.deps.Self,
		Store:          s.deps.Store,
		Media:          media.NewManager(s.deps.Source, s.log),
		Drivers:        s.deps.Drivers,
		Logger:         s.log,
		Metrics:        s.deps.Metrics,
		RosterOnAnswer: s.deps.RosterOnAnswer,
		WriteTimeout:   s.deps.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	e := &entry{engine: engine, cancel: cancel}
	s.live = e

	updates, unsubscribe := engine.Updates()
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := engine.Run(ctx); err != nil {
			s.log.Error().Err(err).Msg("call engine stopped")
		}
	}()
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.forward(updates)
	}()
	return e, nil
}

// forward republishes engine states. Updates closes when the engine stops.
func (s *Service) forward(updates <-chan callengine.State) {
	for st := range updates {
		if st.CallID != "" {
			s.states.publish(st)
		}
	}
}

func (s *Service) register(callID string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[callID] = e
}

// forgetLocked drops announced calls of chatID other than active, which
// the chat no longer reports as its active session.
func (s *Service) forgetLocked(chatID, active string) {
	for id, chat := range s.seen {
		if chat == chatID && id != active {
			delete(s.seen, id)
		}
	}
}

// discard stops an engine whose start or join did not produce a call.
func (s *Service) discard(e *entry) {
	e.cancel()
	s.mu.Lock()
	if s.live == e {
		s.live = nil
	}
	s.mu.Unlock()
}

// reapLocked drops finished engines.
func (s *Service) reapLocked() {
	for id, e := range s.engines {
		if e.engine.Status().IsTerminal() {
			e.cancel()
			delete(s.engines, id)
			delete(s.seen, id)
		}
	}
	if s.live != nil && s.live.engine.Status().IsTerminal() {
		s.live.cancel()
		s.live = nil
	}
}

func (s *Service) lookup(callID string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.engines[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	return e, nil
}

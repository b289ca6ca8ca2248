// Package callengine drives one call attempt on one device: it turns the
// shared session record and the candidate streams into a live peer
// connection and tears everything down on every exit path.
//
// All call state is owned by the goroutine running Engine.Run. Public methods
// hand work to that loop and wait for the result, so store notifications and
// user actions for a call are never processed concurrently.
package callengine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/feed"
	"github.com/vovakirdan/wirechat-calls/internal/media"
	"github.com/vovakirdan/wirechat-calls/internal/metrics"
	"github.com/vovakirdan/wirechat-calls/internal/peer"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

const defaultWriteTimeout = 10 * time.Second

// Options configures an Engine.
type Options struct {
	Self    store.Participant
	Store   store.Store
	Media   *media.Manager
	Drivers peer.Factory
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics

	// RosterOnAnswer adds the answerer to the roster in the same write as
	// the answer.
	RosterOnAnswer bool
	// WriteTimeout bounds each store write made by the engine.
	WriteTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine is the per-call signaling actor.
type Engine struct {
	self           store.Participant
	store          store.Store
	media          *media.Manager
	drivers        peer.Factory
	baseLog        *zerolog.Logger
	metrics        *metrics.Metrics
	rosterOnAnswer bool
	writeTimeout   time.Duration
	now            func() time.Time

	actions chan func()
	running chan struct{}
	done    chan struct{}
	box     *stateBox
	remote  *media.RemoteStream

	// Everything below is owned by the Run goroutine.
	runCtx context.Context
	log    *zerolog.Logger
	bg     *feed.Feed[func(context.Context)]

	status        store.Status
	callRole      Role
	callType      store.CallType
	callID        string
	chatID        string
	session       *store.CallSession
	op            *operation
	driver        peer.Driver
	driverEvents  <-chan peer.Event
	sessionCh     <-chan store.SessionChange
	cancelSession func()
	candCh        <-chan store.Candidate
	cancelCands   func()
	connState     peer.ConnectionState
	appliedOffer  string
	appliedAnswer string
	muted         bool
	cameraOff     bool
	lastErr       error
	activeSince   time.Time
	tornDown      bool
}

// New creates an Engine. Run must be started before any other method
// returns.
func New(opts Options) (*Engine, error) {
	if opts.Self.UserID == "" {
		return nil, errors.New("self user id is required")
	}
	if opts.Store == nil || opts.Media == nil || opts.Drivers == nil {
		return nil, errors.New("store, media and drivers are required")
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		self:           opts.Self,
		store:          opts.Store,
		media:          opts.Media,
		drivers:        opts.Drivers,
		baseLog:        opts.Logger,
		metrics:        opts.Metrics,
		rosterOnAnswer: opts.RosterOnAnswer,
		writeTimeout:   opts.WriteTimeout,
		now:            opts.Now,
		actions:        make(chan func()),
		running:        make(chan struct{}),
		done:           make(chan struct{}),
		box:            newStateBox(),
		remote:         media.NewRemoteStream(),
		status:         store.StatusIdle,
	}
	e.log = e.childLogger()
	return e, nil
}

// Run processes actions and notifications until ctx is cancelled. Cancelling
// ctx ends an active call as if the user hung up.
func (e *Engine) Run(ctx context.Context) error {
	select {
	case <-e.running:
		return errors.New("engine already running")
	default:
	}
	e.runCtx = ctx
	e.bg = feed.New[func(context.Context)]()
	go e.background(ctx, e.bg.C())
	close(e.running)

	defer func() {
		e.bg.Close()
		e.box.closeAll()
		close(e.done)
	}()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case fn := <-e.actions:
			fn()
		case change, ok := <-e.sessionCh:
			if !ok {
				e.sessionCh = nil
				e.subscriptionLost("session")
				continue
			}
			e.onSession(change.Session)
		case c, ok := <-e.candCh:
			if !ok {
				e.candCh = nil
				e.subscriptionLost("candidates")
				continue
			}
			e.onRemoteCandidate(c)
		case ev, ok := <-e.driverEvents:
			if !ok {
				e.driverEvents = nil
				continue
			}
			e.onDriverEvent(ev)
		}
	}
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// ==== UI surface ====

// StartCall creates a session for chatID and waits until it is ringing.
func (e *Engine) StartCall(ctx context.Context, chatID, groupID string, t store.CallType) (string, error) {
	if !t.Valid() {
		return "", ErrInvalidCallType
	}
	if chatID == "" {
		return "", errors.New("chat id is required")
	}

	var op *operation
	err := e.do(ctx, func() error {
		var err error
		op, err = e.beginStart(chatID, groupID, t)
		return err
	})
	if err != nil {
		return "", err
	}
	res, err := op.wait(ctx)
	return res.callID, err
}

// JoinExistingCall answers a ringing call or joins the roster of a
// connected one.
func (e *Engine) JoinExistingCall(ctx context.Context, callID string) error {
	if callID == "" {
		return errors.New("call id is required")
	}

	var op *operation
	err := e.do(ctx, func() error {
		var err error
		op, err = e.beginJoin(callID)
		return err
	})
	if err != nil {
		return err
	}
	_, err = op.wait(ctx)
	return err
}

// EndCall hangs up for everyone. It is a no-op once the call is over.
func (e *Engine) EndCall(ctx context.Context) error {
	if st, _ := e.box.get(); st.Status.IsTerminal() {
		return nil
	}
	return e.do(ctx, func() error {
		e.hangUp()
		return nil
	})
}

// LeaveCall removes this participant from the roster and releases local
// resources. The session ends when the roster becomes empty.
func (e *Engine) LeaveCall(ctx context.Context) error {
	if st, _ := e.box.get(); st.Status.IsTerminal() {
		return nil
	}
	return e.do(ctx, func() error {
		e.leave()
		return nil
	})
}

// ToggleMute flips the microphone and returns the new muted flag.
func (e *Engine) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := e.do(ctx, func() error {
		var err error
		muted, err = e.toggle(media.KindAudio)
		return err
	})
	return muted, err
}

// ToggleCamera flips the camera and returns whether it is now enabled.
func (e *Engine) ToggleCamera(ctx context.Context) (bool, error) {
	var off bool
	err := e.do(ctx, func() error {
		var err error
		off, err = e.toggle(media.KindVideo)
		return err
	})
	return !off, err
}

// Status returns the current state machine state.
func (e *Engine) Status() store.Status {
	st, _ := e.box.get()
	return st.Status
}

// State returns a snapshot for rendering.
func (e *Engine) State() State {
	st, _ := e.box.get()
	return st
}

// Updates delivers the current State and then every change.
func (e *Engine) Updates() (<-chan State, func()) {
	return e.box.subscribe()
}

// LastError is the error that moved the call to failed, or that kept it
// idle, if any.
func (e *Engine) LastError() error {
	_, err := e.box.get()
	return err
}

func (e *Engine) LocalStream() *media.Stream { return e.media.Stream() }

func (e *Engine) RemoteStream() *media.RemoteStream { return e.remote }

// ==== loop plumbing ====

// do runs fn on the loop and returns its error.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case e.actions <- func() { errCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineClosed
	}
	return <-errCh
}

// post queues fn from a worker goroutine. It reports false once Run has
// returned, in which case fn never runs.
func (e *Engine) post(fn func()) bool {
	select {
	case e.actions <- fn:
		return true
	case <-e.done:
		return false
	}
}

// background runs store work that must not block the loop, in order.
func (e *Engine) background(ctx context.Context, jobs <-chan func(context.Context)) {
	for job := range jobs {
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	}
}

func (e *Engine) enqueue(job func(context.Context)) {
	if e.bg != nil {
		e.bg.Push(job)
	}
}

func (e *Engine) writeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, e.writeTimeout)
}

func (e *Engine) childLogger() *zerolog.Logger {
	l := e.baseLog.With().Str("self_id", e.self.UserID).Logger()
	if e.callID != "" {
		l = l.With().Str("call_id", e.callID).Str("chat_id", e.chatID).Logger()
	}
	return &l
}

func (e *Engine) publishState() {
	st := State{
		CallID:        e.callID,
		ChatID:        e.chatID,
		Type:          e.callType,
		Status:        e.status,
		Role:          e.callRole,
		Pending:       e.op != nil,
		Muted:         e.muted,
		CameraEnabled: e.callType == store.CallTypeVideo && !e.cameraOff,
		Connection:    e.connState,
		RemoteTracks:  e.remote.Len(),
	}
	if e.session != nil {
		st.Participants = e.session.Participants
	}
	if e.lastErr != nil {
		st.ErrorCode = Code(e.lastErr)
		st.Error = Message(e.lastErr)
	}
	e.box.set(st, e.lastErr)
}

// setStatus applies next unless it would move the state machine backwards.
func (e *Engine) setStatus(next store.Status) bool {
	if next == e.status {
		return false
	}
	if e.status.IsTerminal() || next.Rank() < e.status.Rank() {
		e.log.Debug().Str("from", string(e.status)).Str("to", string(next)).Msg("ignored status regression")
		return false
	}
	e.log.Info().Str("from", string(e.status)).Str("to", string(next)).Msg("call status changed")
	e.status = next
	return true
}

func (e *Engine) subscriptionLost(what string) {
	if e.status.IsActive() {
		e.log.Warn().Str("subscription", what).Msg("subscription closed while call active")
	}
}

// ==== operations ====

type opResult struct {
	callID string
	err    error
}

// operation is a long-running start or join running off the loop.
type operation struct {
	ctx    context.Context
	cancel context.CancelFunc
	result chan opResult
}

func (e *Engine) newOperation() *operation {
	ctx, cancel := context.WithCancel(e.runCtx)
	return &operation{ctx: ctx, cancel: cancel, result: make(chan opResult, 1)}
}

func (op *operation) finish(callID string, err error) {
	op.cancel()
	op.result <- opResult{callID: callID, err: err}
}

func (op *operation) wait(ctx context.Context) (opResult, error) {
	select {
	case r := <-op.result:
		return r, r.err
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	}
}

// checkIdle rejects a new operation unless the engine can start one.
func (e *Engine) checkIdle() error {
	switch {
	case e.status.IsTerminal():
		return ErrCallEnded
	case e.op != nil, e.status.IsActive():
		return ErrCallInProgress
	default:
		return nil
	}
}

// ==== exit paths ====

// hangUp ends the call for everyone.
func (e *Engine) hangUp() {
	if e.status.IsTerminal() {
		return
	}
	if e.op != nil && e.callID == "" {
		e.teardown(store.StatusEnded, "cancelled", false)
		return
	}
	if e.callID == "" {
		return
	}
	if e.callRole == RoleRoster {
		e.leave()
		return
	}
	e.teardown(store.StatusEnded, "hangup", true)
}

// leave takes this participant off the roster. An empty roster ends the
// session as part of the same write.
func (e *Engine) leave() {
	if e.status.IsTerminal() {
		return
	}
	if e.callID == "" {
		e.hangUp()
		return
	}

	e.leaveRoster()
	e.teardown(store.StatusEnded, "left", false)
}

// leaveRoster removes self from the record's roster. Failures are logged.
func (e *Engine) leaveRoster() {
	ctx, cancel := e.writeCtx(context.WithoutCancel(e.runCtx))
	defer cancel()
	if _, err := LeaveCall(ctx, e.store, e.callID, e.self.UserID, e.now()); err != nil &&
		!errors.Is(err, store.ErrNotFound) && !errors.Is(err, ErrSessionTerminal) {
		e.log.Warn().Err(err).Msg("leave call roster update failed")
	}
}

// fail moves the call to failed, keeping err for the UI.
func (e *Engine) fail(err error) {
	if e.status.IsTerminal() {
		return
	}
	e.lastErr = err
	e.metrics.CallFailed(Code(err))
	e.log.Error().Err(err).Str("code", Code(err)).Msg("call failed")
	e.teardown(store.StatusFailed, "failed", e.callID != "" && e.callRole != RoleRoster)
}

// shutdown is the process-exit path.
func (e *Engine) shutdown() {
	if e.status.IsTerminal() || (e.callID == "" && e.op == nil) {
		return
	}
	if e.callID != "" && e.callRole == RoleRoster {
		e.leaveRoster()
		e.teardown(store.StatusEnded, "shutdown", false)
		return
	}
	e.teardown(store.StatusEnded, "shutdown", e.callID != "")
}

// teardown releases every local resource and, when persist is set, writes
// the terminal status unless the record is already terminal or gone. It runs
// at most once per engine.
func (e *Engine) teardown(next store.Status, reason string, persist bool) {
	if e.tornDown {
		return
	}
	e.tornDown = true

	if e.op != nil {
		e.op.cancel()
		e.op = nil
	}
	if e.cancelSession != nil {
		e.cancelSession()
		e.cancelSession = nil
	}
	e.sessionCh = nil
	if e.cancelCands != nil {
		e.cancelCands()
		e.cancelCands = nil
	}
	e.candCh = nil
	if e.driver != nil {
		if err := e.driver.Close(); err != nil {
			e.log.Warn().Err(err).Msg("close peer connection")
		}
		e.driver = nil
	}
	e.driverEvents = nil
	e.media.Release()
	e.remote.Clear()
	e.connState = ""

	e.setStatus(next)
	if !e.activeSince.IsZero() {
		e.metrics.CallEnded(reason, e.now().Sub(e.activeSince))
		e.activeSince = time.Time{}
	}
	e.publishState()

	if persist && e.callID != "" {
		e.persistTerminal(e.callID, next)
	}
	e.log.Info().Str("reason", reason).Str("status", string(e.status)).Msg("call torn down")
}

// persistTerminal writes status for callID. Failures are logged only; local
// resources are already released.
func (e *Engine) persistTerminal(callID string, status store.Status) {
	ctx, cancel := e.writeCtx(context.WithoutCancel(e.runCtx))
	defer cancel()

	wrote, err := finishSession(ctx, e.store, callID, status, e.now(), e.metrics.StoreConflict)
	if err != nil {
		e.log.Warn().Err(err).Str("call_id", callID).Msg("persist terminal status failed")
		return
	}
	if wrote {
		e.log.Debug().Str("call_id", callID).Str("status", string(status)).Msg("terminal status persisted")
	}
}

func constraintsFor(t store.CallType) media.Constraints {
	return media.Constraints{Audio: true, Video: t == store.CallTypeVideo}
}

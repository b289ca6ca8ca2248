package callengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/wirechat-calls/internal/media"
	"github.com/vovakirdan/wirechat-calls/internal/peer"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

// callResources is what a start or join operation built off the loop. The
// loop either adopts all of it or releases all of it.
type callResources struct {
	callID  string
	role    Role
	session *store.CallSession
	driver  peer.Driver

	sessionCh     <-chan store.SessionChange
	cancelSession func()
	candCh        <-chan store.Candidate
	cancelCands   func()

	offerSDP  string
	answerSDP string

	// owned is set once this device wrote the offer or the answer, so a
	// discarded operation must end the record it created.
	owned bool
	// rostered is set once this device added itself to the roster.
	rostered bool
}

// ==== start ====

func (e *Engine) beginStart(chatID, groupID string, t store.CallType) (*operation, error) {
	if err := e.checkIdle(); err != nil {
		return nil, err
	}
	op := e.newOperation()
	e.op = op
	e.chatID = chatID
	e.callType = t
	e.lastErr = nil
	e.publishState()

	go func() {
		res, err := e.runStart(op.ctx, chatID, groupID, t)
		e.complete(op, res, err, e.finishStart)
	}()
	return op, nil
}

// runStart acquires media, builds the offer and creates the record. It runs
// off the loop; candidates the driver finds meanwhile wait in its event
// queue until the loop adopts it.
func (e *Engine) runStart(ctx context.Context, chatID, groupID string, t store.CallType) (*callResources, error) {
	res := &callResources{role: RoleCaller}

	stream, err := e.media.Acquire(ctx, constraintsFor(t))
	if err != nil {
		return res, err
	}
	if err := e.prepareDriver(ctx, res, stream); err != nil {
		return res, err
	}

	offer, err := res.driver.CreateOffer(ctx)
	if err != nil {
		return res, err
	}
	if err := res.driver.SetLocalDescription(offer); err != nil {
		return res, err
	}
	res.offerSDP = offer.SDP
	if err := ctx.Err(); err != nil {
		return res, err
	}

	self := e.self
	self.Muted = false
	self.CameraEnabled = t == store.CallTypeVideo
	sess := &store.CallSession{
		ChatID:       chatID,
		GroupID:      groupID,
		InitiatorID:  e.self.UserID,
		Participants: []store.Participant{self},
		Type:         t,
		Status:       store.StatusRinging,
		StartedAt:    e.now(),
		Offer:        &offer,
	}

	wctx, cancel := e.writeCtx(ctx)
	callID, err := e.store.CreateSession(wctx, sess)
	cancel()
	if err != nil {
		return res, fmt.Errorf("create session: %w", err)
	}
	res.callID = callID
	res.owned = true
	sess.ID = callID
	sess.Version = 1
	res.session = sess

	if err := e.subscribe(res, store.DirectionAnswer); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) finishStart(op *operation, res *callResources, err error) {
	if e.op != op {
		e.release(res)
		op.finish("", ErrCancelled)
		return
	}
	e.op = nil

	if err != nil {
		e.release(res)
		e.abort(err)
		op.finish("", err)
		return
	}

	e.adopt(res)
	e.setStatus(store.StatusRinging)
	e.activeSince = e.now()
	e.metrics.CallStarted(string(e.callType))
	e.publishState()
	op.finish(res.callID, nil)
}

// ==== join ====

func (e *Engine) beginJoin(callID string) (*operation, error) {
	if err := e.checkIdle(); err != nil {
		return nil, err
	}
	op := e.newOperation()
	e.op = op
	e.lastErr = nil
	e.publishState()

	go func() {
		res, err := e.runJoin(op.ctx, callID)
		e.complete(op, res, err, e.finishJoin)
	}()
	return op, nil
}

func (e *Engine) runJoin(ctx context.Context, callID string) (*callResources, error) {
	res := &callResources{callID: callID}

	rctx, cancel := e.writeCtx(ctx)
	sess, err := e.store.GetSession(rctx, callID)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("%w: %w", ErrCallEnded, err)
	}
	if err != nil {
		return res, fmt.Errorf("get session: %w", err)
	}
	res.session = sess

	switch {
	case sess.Status.IsTerminal():
		return res, ErrCallEnded
	case sess.InitiatorID == e.self.UserID:
		return res, ErrOwnCall
	case sess.Status == store.StatusConnected:
		return res, e.joinRoster(ctx, res)
	case sess.Status != store.StatusRinging, sess.Offer.IsZero():
		return res, ErrNoOffer
	}
	return res, e.answer(ctx, res)
}

// answer applies the session's offer and persists the answer together with
// status connected, so a connected record always carries an answer.
func (e *Engine) answer(ctx context.Context, res *callResources) error {
	res.role = RoleAnswerer
	sess := res.session

	stream, err := e.media.Acquire(ctx, constraintsFor(sess.Type))
	if err != nil {
		return err
	}
	if err := e.prepareDriver(ctx, res, stream); err != nil {
		return err
	}
	if err := res.driver.SetRemoteDescription(*sess.Offer); err != nil {
		return err
	}
	res.offerSDP = sess.Offer.SDP

	answer, err := res.driver.CreateAnswer(ctx)
	if err != nil {
		return err
	}
	if err := res.driver.SetLocalDescription(answer); err != nil {
		return err
	}
	res.answerSDP = answer.SDP
	if err := ctx.Err(); err != nil {
		return err
	}

	self := e.self
	self.CameraEnabled = sess.Type == store.CallTypeVideo

	wctx, cancel := e.writeCtx(ctx)
	defer cancel()
	updated, err := mutateSession(wctx, e.store, res.callID, func(cur *store.CallSession) (*store.SessionPatch, error) {
		switch {
		case cur.Status.IsTerminal():
			return nil, ErrCallEnded
		case cur.Status != store.StatusRinging, !cur.Answer.IsZero():
			return nil, ErrAlreadyAnswered
		case cur.Offer.IsZero() || cur.Offer.SDP != res.offerSDP:
			return nil, ErrAlreadyAnswered
		}
		connected := store.StatusConnected
		ans := answer
		patch := &store.SessionPatch{Status: &connected, Answer: &ans}
		if e.rosterOnAnswer {
			if roster, added := store.AddParticipant(cur.Participants, self); added {
				patch.Participants = &roster
			}
		}
		return patch, nil
	}, e.metrics.StoreConflict)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrCallEnded, err)
	}
	if err != nil {
		return fmt.Errorf("persist answer: %w", err)
	}
	res.owned = true
	res.session = updated

	return e.subscribe(res, store.DirectionOffer)
}

// joinRoster adds this participant to a call that is already connected. No
// media is acquired and nothing is renegotiated.
func (e *Engine) joinRoster(ctx context.Context, res *callResources) error {
	res.role = RoleRoster

	wctx, cancel := e.writeCtx(ctx)
	updated, err := JoinCall(wctx, e.store, res.callID, e.self)
	cancel()
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrSessionTerminal):
		return fmt.Errorf("%w: %w", ErrCallEnded, err)
	case err != nil:
		return fmt.Errorf("join roster: %w", err)
	}
	res.rostered = true
	res.session = updated

	return e.subscribe(res, "")
}

func (e *Engine) finishJoin(op *operation, res *callResources, err error) {
	if e.op != op {
		e.release(res)
		op.finish("", ErrCancelled)
		return
	}
	e.op = nil

	if err != nil {
		e.release(res)
		var negErr *peer.NegotiationError
		if errors.As(err, &negErr) && res.session != nil {
			// The offer could not be applied: the record is marked failed.
			e.callID = res.callID
			e.chatID = res.session.ChatID
			e.callType = res.session.Type
			e.callRole = RoleAnswerer
			e.log = e.childLogger()
		}
		e.abort(err)
		op.finish(res.callID, err)
		return
	}

	e.adopt(res)
	e.setStatus(store.StatusConnected)
	if res.role == RoleAnswerer {
		e.activeSince = e.now()
		e.metrics.CallAnswered()
	}
	e.publishState()
	op.finish(res.callID, nil)
}

// ==== shared operation helpers ====

// complete hands the result to the loop, or releases it when the loop has
// already exited.
func (e *Engine) complete(op *operation, res *callResources, err error, finish func(*operation, *callResources, error)) {
	if !e.post(func() { finish(op, res, err) }) {
		e.release(res)
		op.finish("", ErrEngineClosed)
	}
}

func (e *Engine) prepareDriver(ctx context.Context, res *callResources, stream *media.Stream) error {
	driver, err := e.drivers(ctx)
	if err != nil {
		return &peer.NegotiationError{Op: "create driver", Err: err}
	}
	res.driver = driver
	if err := driver.AddLocalStream(stream); err != nil {
		return &peer.NegotiationError{Op: "add local stream", Err: err}
	}
	return nil
}

// subscribe opens the session subscription and, when dir is set, the
// candidate stream authored by the other side.
func (e *Engine) subscribe(res *callResources, dir store.Direction) error {
	sessCh, cancelSess, err := e.store.SubscribeSession(e.runCtx, res.callID)
	if err != nil {
		return fmt.Errorf("subscribe session: %w", err)
	}
	res.sessionCh, res.cancelSession = sessCh, cancelSess

	if dir == "" {
		return nil
	}
	candCh, cancelCands, err := e.store.SubscribeCandidates(e.runCtx, res.callID, dir)
	if err != nil {
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	res.candCh, res.cancelCands = candCh, cancelCands
	return nil
}

// release undoes whatever res holds. It may run off the loop and touches no
// loop state.
func (e *Engine) release(res *callResources) {
	if res == nil {
		return
	}
	if res.cancelSession != nil {
		res.cancelSession()
	}
	if res.cancelCands != nil {
		res.cancelCands()
	}
	if res.driver != nil {
		if err := res.driver.Close(); err != nil {
			e.baseLog.Warn().Err(err).Msg("close discarded peer connection")
		}
	}
	if res.role != RoleRoster {
		e.media.Release()
	}

	if res.callID == "" || (!res.owned && !res.rostered) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout)
	defer cancel()
	if res.rostered {
		if _, err := LeaveCall(ctx, e.store, res.callID, e.self.UserID, e.now()); err != nil &&
			!errors.Is(err, store.ErrNotFound) && !errors.Is(err, ErrSessionTerminal) {
			e.baseLog.Warn().Err(err).Str("call_id", res.callID).Msg("leave discarded call failed")
		}
		return
	}
	if _, err := finishSession(ctx, e.store, res.callID, store.StatusEnded, e.now(), nil); err != nil {
		e.baseLog.Warn().Err(err).Str("call_id", res.callID).Msg("end discarded call failed")
	}
}

func (e *Engine) adopt(res *callResources) {
	e.callID = res.callID
	e.callRole = res.role
	e.session = res.session
	e.chatID = res.session.ChatID
	e.callType = res.session.Type
	e.driver = res.driver
	if e.driver != nil {
		e.driverEvents = e.driver.Events()
	}
	e.sessionCh, e.cancelSession = res.sessionCh, res.cancelSession
	e.candCh, e.cancelCands = res.candCh, res.cancelCands
	e.appliedOffer = res.offerSDP
	e.appliedAnswer = res.answerSDP
	e.log = e.childLogger()
	e.log.Info().Str("role", string(e.callRole)).Msg("call adopted")
}

// abort handles a failed start or join that left nothing adopted.
func (e *Engine) abort(err error) {
	var negErr *peer.NegotiationError
	switch {
	case errors.As(err, &negErr):
		e.fail(err)
	case errors.Is(err, ErrCallEnded):
		e.log.Info().Err(err).Msg("call already over")
		e.teardown(store.StatusEnded, "already_ended", false)
	default:
		// Media, transport and validation errors leave the engine idle so
		// the user can retry.
		e.lastErr = err
		e.log.Warn().Err(err).Str("code", Code(err)).Msg("call not started")
		e.publishState()
	}
}

// ==== observations ====

func (e *Engine) onSession(s *store.CallSession) {
	if e.status.IsTerminal() || e.callID == "" {
		return
	}
	if s == nil {
		e.log.Info().Msg("session record deleted")
		e.teardown(store.StatusEnded, "deleted", false)
		return
	}
	if e.session != nil && s.Version < e.session.Version {
		return
	}
	e.session = s

	if s.Status.IsTerminal() {
		e.teardown(store.StatusEnded, "remote_"+string(s.Status), false)
		return
	}

	switch e.callRole {
	case RoleCaller:
		e.applyAnswer(s)
	case RoleAnswerer:
		if !s.Offer.IsZero() && s.Offer.SDP != e.appliedOffer {
			e.metrics.GlareIgnored()
			e.log.Debug().Msg("ignored changed offer, answer already applied")
		}
	}
	if e.status.IsTerminal() {
		return
	}

	if s.Status.IsActive() && len(s.Participants) == 0 {
		e.teardown(store.StatusEnded, "empty_roster", true)
		return
	}
	e.publishState()
}

// applyAnswer applies the remote answer once. When negotiation has already
// settled the answer is ignored instead of failing the call.
func (e *Engine) applyAnswer(s *store.CallSession) {
	if s.Answer.IsZero() || s.Answer.SDP == e.appliedAnswer || e.driver == nil {
		return
	}
	if state := e.driver.SignalingState(); state != peer.SignalingHaveLocalOffer {
		e.metrics.GlareIgnored()
		e.log.Debug().Str("signaling_state", string(state)).Msg("ignored answer, negotiation already settled")
		return
	}
	if err := e.driver.SetRemoteDescription(*s.Answer); err != nil {
		e.fail(err)
		return
	}
	e.appliedAnswer = s.Answer.SDP
	e.setStatus(store.StatusConnected)
}

func (e *Engine) ownDirection() store.Direction {
	if e.callRole == RoleCaller {
		return store.DirectionOffer
	}
	return store.DirectionAnswer
}

func (e *Engine) onRemoteCandidate(c store.Candidate) {
	if e.driver == nil {
		return
	}
	dir := string(e.ownDirection().Opposite())
	if c.UserID == e.self.UserID {
		e.metrics.Candidate(dir, "own")
		return
	}
	if err := e.driver.AddICECandidate(c.Candidate); err != nil {
		e.metrics.Candidate(dir, "error")
		e.log.Warn().Err(err).Msg("apply remote candidate")
		return
	}
	e.metrics.Candidate(dir, "applied")
}

func (e *Engine) onDriverEvent(ev peer.Event) {
	switch ev.Kind {
	case peer.EventCandidate:
		e.publishCandidate(ev.Candidate)
	case peer.EventTrack:
		if e.remote.Add(ev.Track) {
			e.log.Debug().Str("track_id", ev.Track.ID).Str("kind", string(ev.Track.Kind)).Msg("remote track added")
			e.publishState()
		}
	case peer.EventConnectionState:
		e.connState = ev.State
		e.log.Debug().Str("state", string(ev.State)).Msg("peer connection state")
		if ev.State == peer.ConnectionFailed {
			e.fail(ErrConnectionFailed)
			return
		}
		e.publishState()
	}
}

// publishCandidate queues a local candidate for the background writer so
// candidate order is kept without blocking the loop.
func (e *Engine) publishCandidate(candidate string) {
	if e.callID == "" || e.callRole == RoleRoster {
		return
	}
	callID, dir, logger := e.callID, e.ownDirection(), e.log
	c := store.Candidate{Candidate: candidate, UserID: e.self.UserID}
	e.enqueue(func(ctx context.Context) {
		wctx, cancel := e.writeCtx(ctx)
		defer cancel()
		if err := e.store.PublishCandidate(wctx, callID, dir, c); err != nil {
			e.metrics.Candidate(string(dir), "error")
			logger.Warn().Err(err).Msg("publish candidate")
			return
		}
		e.metrics.Candidate(string(dir), "published")
	})
}

// toggle flips kind and returns whether it is now disabled. The roster entry
// for this participant is updated in the background, best effort.
func (e *Engine) toggle(kind media.Kind) (bool, error) {
	if !e.status.IsActive() || e.callID == "" {
		return false, ErrNoActiveCall
	}
	if kind == media.KindVideo && e.callType != store.CallTypeVideo {
		return false, ErrNoVideo
	}

	var off bool
	if kind == media.KindAudio {
		e.muted = !e.muted
		off = e.muted
	} else {
		e.cameraOff = !e.cameraOff
		off = e.cameraOff
	}

	if e.callRole != RoleRoster {
		if err := e.media.SetTrackEnabled(kind, !off); err != nil {
			e.log.Warn().Err(err).Str("kind", string(kind)).Msg("toggle local track")
		}
		if e.driver != nil {
			if err := e.driver.SetSending(kind, !off); err != nil {
				e.log.Warn().Err(err).Str("kind", string(kind)).Msg("toggle sending")
			}
		}
	}
	e.publishState()

	callID, userID, logger := e.callID, e.self.UserID, e.log
	muted, camera := e.muted, e.callType == store.CallTypeVideo && !e.cameraOff
	e.enqueue(func(ctx context.Context) {
		wctx, cancel := e.writeCtx(ctx)
		defer cancel()
		err := updateSelf(wctx, e.store, callID, userID, func(p *store.Participant) {
			p.Muted = muted
			p.CameraEnabled = camera
		}, e.metrics.StoreConflict)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn().Err(err).Msg("mirror toggle into roster")
		}
	})
	return off, nil
}

// Package redis implements store.Store on Redis so participants on
// different devices share one session record. Sessions are JSON values,
// change notifications use pub/sub and candidates use streams.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/feed"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

const (
	// unconditional patches are attempted this many times when a concurrent writer
	// touches the key between WATCH and EXEC.
	maxTxRetries = 2
	// xreadBlock bounds each blocking stream read so cancellation is observed.
	xreadBlock = 2 * time.Second
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store implements store.Store on Redis.
type Store struct {
	client *goredis.Client
	log    *zerolog.Logger

	mu      sync.Mutex
	cancels map[*feedCancel]struct{}
}

type feedCancel struct{ fn func() }

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options, logger *zerolog.Logger) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, logger *zerolog.Logger) *Store {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Store{
		client:  client,
		log:     logger,
		cancels: make(map[*feedCancel]struct{}),
	}
}

func sessionKey(callID string) string            { return fmt.Sprintf("call:%s", callID) }
func sessionEvents(callID string) string         { return fmt.Sprintf("call:%s:events", callID) }
func chatIndexKey(chatID string) string          { return fmt.Sprintf("chat:%s:calls", chatID) }
func chatEvents(chatID string) string            { return fmt.Sprintf("chat:%s:events", chatID) }
func candidateStream(callID string, dir store.Direction) string {
	return fmt.Sprintf("call:%s:candidates:%s", callID, dir)
}

// ==== SessionStore implementation ====

// CreateSession stores the session, indexes it under its chat and notifies.
func (s *Store) CreateSession(ctx context.Context, sess *store.CallSession) (string, error) {
	rec := sess.Clone()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Version = 1

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	created, err := s.client.SetNX(ctx, sessionKey(rec.ID), data, 0).Result()
	if err != nil {
		return "", store.WrapTransport("create session", err)
	}
	if !created {
		return "", store.WrapTransport("create session", fmt.Errorf("session %s already exists", rec.ID))
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, chatIndexKey(rec.ChatID), rec.ID)
		pipe.Publish(ctx, sessionEvents(rec.ID), rec.ID)
		pipe.Publish(ctx, chatEvents(rec.ChatID), rec.ID)
		return nil
	})
	if err != nil {
		return "", store.WrapTransport("create session", err)
	}
	return rec.ID, nil
}

// GetSession reads and decodes a session.
func (s *Store) GetSession(ctx context.Context, callID string) (*store.CallSession, error) {
	sess, err := s.read(ctx, s.client, callID)
	return sess, store.WrapTransport("get session", err)
}

// UpdateSession applies patch under WATCH so concurrent writers never
// interleave between read and write.
func (s *Store) UpdateSession(ctx context.Context, callID string, patch store.SessionPatch) (*store.CallSession, error) {
	key := sessionKey(callID)

	var result *store.CallSession
	txf := func(tx *goredis.Tx) error {
		rec, err := s.read(ctx, tx, callID)
		if err != nil {
			return err
		}
		if patch.ExpectVersion != 0 && patch.ExpectVersion != rec.Version {
			return store.ErrVersionConflict
		}
		patch.Apply(rec)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Publish(ctx, sessionEvents(callID), callID)
			pipe.Publish(ctx, chatEvents(rec.ChatID), callID)
			return nil
		})
		if err == nil {
			result = rec
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, goredis.TxFailedErr):
			if patch.ExpectVersion != 0 {
				return nil, store.ErrVersionConflict
			}
			continue
		default:
			return nil, store.WrapTransport("update session", err)
		}
	}
	return nil, store.ErrVersionConflict
}

// DeleteSession removes a session, its candidate streams and index entry.
func (s *Store) DeleteSession(ctx context.Context, callID string) error {
	rec, err := s.read(ctx, s.client, callID)
	if err != nil {
		return store.WrapTransport("delete session", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx,
			sessionKey(callID),
			candidateStream(callID, store.DirectionOffer),
			candidateStream(callID, store.DirectionAnswer),
		)
		pipe.SRem(ctx, chatIndexKey(rec.ChatID), callID)
		pipe.Publish(ctx, sessionEvents(callID), callID)
		pipe.Publish(ctx, chatEvents(rec.ChatID), callID)
		return nil
	})
	return store.WrapTransport("delete session", err)
}

// SubscribeSession delivers the current snapshot and a fresh snapshot for
// every change notification.
func (s *Store) SubscribeSession(ctx context.Context, callID string) (<-chan store.SessionChange, func(), error) {
	return s.subscribeSnapshots(ctx, sessionEvents(callID), func(ctx context.Context) (*store.CallSession, error) {
		sess, err := s.read(ctx, s.client, callID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return sess, err
	})
}

// SubscribeActiveSessionForChat delivers the chat's newest active session on
// every change to any of its sessions.
func (s *Store) SubscribeActiveSessionForChat(ctx context.Context, chatID string) (<-chan store.SessionChange, func(), error) {
	return s.subscribeSnapshots(ctx, chatEvents(chatID), func(ctx context.Context) (*store.CallSession, error) {
		return s.activeForChat(ctx, chatID)
	})
}

// ==== CandidateChannel implementation ====

// PublishCandidate appends c to the direction's stream.
func (s *Store) PublishCandidate(ctx context.Context, callID string, dir store.Direction, c store.Candidate) error {
	n, err := s.client.Exists(ctx, sessionKey(callID)).Result()
	if err != nil {
		return store.WrapTransport("publish candidate", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}

	err = s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: candidateStream(callID, dir),
		Values: map[string]any{
			"user_id":   c.UserID,
			"candidate": c.Candidate,
		},
	}).Err()
	return store.WrapTransport("publish candidate", err)
}

// SubscribeCandidates reads the stream from its beginning and keeps
// blocking for new entries until cancelled.
func (s *Store) SubscribeCandidates(ctx context.Context, callID string, dir store.Direction) (<-chan store.Candidate, func(), error) {
	f := feed.New[store.Candidate]()
	ctx, cancelCtx := context.WithCancel(ctx)
	cancel := s.track(func() {
		cancelCtx()
		f.Close()
	})

	stream := candidateStream(callID, dir)
	go func() {
		defer cancel()
		lastID := "0"
		for ctx.Err() == nil {
			res, err := s.client.XRead(ctx, &goredis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   64,
				Block:   xreadBlock,
			}).Result()
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn().Err(err).Str("stream", stream).Msg("candidate stream read failed")
				}
				return
			}
			for _, xs := range res {
				for _, msg := range xs.Messages {
					lastID = msg.ID
					f.Push(store.Candidate{
						UserID:    fmt.Sprint(msg.Values["user_id"]),
						Candidate: fmt.Sprint(msg.Values["candidate"]),
					})
				}
			}
		}
	}()

	return f.C(), cancel, nil
}

// Close terminates subscriptions and closes the client.
func (s *Store) Close() error {
	s.mu.Lock()
	cancels := make([]*feedCancel, 0, len(s.cancels))
	for c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c.fn()
	}
	return s.client.Close()
}

// ==== helpers ====

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (s *Store) read(ctx context.Context, g getter, callID string) (*store.CallSession, error) {
	data, err := g.Get(ctx, sessionKey(callID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess store.CallSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *Store) activeForChat(ctx context.Context, chatID string) (*store.CallSession, error) {
	ids, err := s.client.SMembers(ctx, chatIndexKey(chatID)).Result()
	if err != nil {
		return nil, err
	}
	sessions := make([]*store.CallSession, 0, len(ids))
	for _, id := range ids {
		sess, err := s.read(ctx, s.client, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return store.NewestActive(sessions), nil
}

// subscribeSnapshots subscribes to channel before taking the first snapshot
// so no change between the two is lost.
func (s *Store) subscribeSnapshots(ctx context.Context, channel string, snapshot func(context.Context) (*store.CallSession, error)) (<-chan store.SessionChange, func(), error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, store.WrapTransport("subscribe", err)
	}

	first, err := snapshot(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, nil, store.WrapTransport("subscribe", err)
	}

	f := feed.New[store.SessionChange]()
	f.Push(store.SessionChange{Session: first})

	ctx, cancelCtx := context.WithCancel(ctx)
	cancel := s.track(func() {
		cancelCtx()
		_ = pubsub.Close()
		f.Close()
	})

	go func() {
		defer cancel()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				sess, err := snapshot(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.log.Warn().Err(err).Str("channel", channel).Msg("snapshot after notification failed")
					}
					continue
				}
				f.Push(store.SessionChange{Session: sess})
			}
		}
	}()

	return f.C(), cancel, nil
}

// track registers fn for Close and returns an idempotent cancel.
func (s *Store) track(fn func()) func() {
	c := &feedCancel{}
	var once sync.Once
	c.fn = func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.cancels, c)
			s.mu.Unlock()
			fn()
		})
	}

	s.mu.Lock()
	s.cancels[c] = struct{}{}
	s.mu.Unlock()
	return c.fn
}

var _ store.Store = (*Store)(nil)

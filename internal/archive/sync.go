package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/brainDensed/theramine-session/internal/config"
	"github.com/brainDensed/theramine-session/internal/domain"
	"github.com/brainDensed/theramine-session/pkg/cas"
	"github.com/brainDensed/theramine-session/pkg/log"
)

// ErrClosed is returned when appending to a Sync that has been shut down.
var ErrClosed = errors.New("archive: sync closed")

// RoomMeta carries the participant metadata a snapshot embeds. It is
// supplied with every append so a room's first snapshot can be built
// without a separate registration step.
type RoomMeta struct {
	RoomID    string
	User      domain.ParticipantInfo
	Therapist domain.ParticipantInfo
}

// Sync archives chat messages into content-addressed snapshots. Appends
// for a room are handled by a single flusher goroutine, so snapshot writes
// for that room are strictly serialized: each flush reads the current
// snapshot, merges the queued messages by sequence number, and writes a
// superset. Messages are never dropped; a failed flush keeps its batch and
// retries with the next one.
type Sync struct {
	store cas.Store
	index SnapshotIndex
	cache *Cache
	cfg   config.ArchiveConfig

	group    singleflight.Group
	mu       sync.Mutex
	flushers map[string]*roomFlusher
	closed   bool
	appends  sync.WaitGroup // in-flight Append calls
	wg       sync.WaitGroup // flusher goroutines
}

type appendJob struct {
	meta RoomMeta
	msg  domain.ArchivedMessage
}

type roomFlusher struct {
	queue   chan appendJob
	pending []appendJob
}

// NewSync builds a Sync. cache may be nil; reads then always go through
// the index.
func NewSync(store cas.Store, index SnapshotIndex, cache *Cache, cfg config.ArchiveConfig) *Sync {
	return &Sync{
		store:    store,
		index:    index,
		cache:    cache,
		cfg:      cfg,
		flushers: make(map[string]*roomFlusher),
	}
}

// Append queues a message for archival. It blocks only when the room's
// queue is full, which backpressures the producer rather than losing the
// message.
func (s *Sync) Append(ctx context.Context, meta RoomMeta, msg domain.ArchivedMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.appends.Add(1)
	defer s.appends.Done()
	f, ok := s.flushers[meta.RoomID]
	if !ok {
		f = &roomFlusher{queue: make(chan appendJob, s.cfg.QueueSize)}
		s.flushers[meta.RoomID] = f
		s.wg.Add(1)
		go s.runFlusher(meta.RoomID, f)
	}
	s.mu.Unlock()

	select {
	case f.queue <- appendJob{meta: meta, msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sync) runFlusher(roomID string, f *roomFlusher) {
	defer s.wg.Done()
	l := log.L().With().Str(log.FieldRoomID, roomID).Logger()

	for job := range f.queue {
		f.pending = append(f.pending, job)
		// Drain whatever else is already queued into the same batch.
	drain:
		for {
			select {
			case next, ok := <-f.queue:
				if !ok {
					break drain
				}
				f.pending = append(f.pending, next)
			default:
				break drain
			}
		}

		if err := s.flushWithRetry(f.pending); err != nil {
			l.Error().Err(err).Int("pending", len(f.pending)).
				Msg("snapshot flush failed, batch retained for next flush")
			continue
		}
		f.pending = f.pending[:0]
	}

	// Queue closed; flush anything still held.
	if len(f.pending) > 0 {
		if err := s.flushWithRetry(f.pending); err != nil {
			l.Error().Err(err).Int("pending", len(f.pending)).
				Msg("final snapshot flush failed, messages lost")
		}
	}
}

func (s *Sync) flushWithRetry(batch []appendJob) error {
	var err error
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			time.Sleep(s.cfg.RetryBaseDelay * (1 << (attempt - 1)))
		}
		if err = s.flush(batch); err == nil {
			return nil
		}
	}
	return err
}

// flush writes one superset snapshot containing the room's current archive
// plus the batch.
func (s *Sync) flush(batch []appendJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	meta := batch[0].meta
	current, err := s.loadFromStore(ctx, meta.RoomID)
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		return err
	}

	bySeq := make(map[uint64]domain.ArchivedMessage)
	if current != nil {
		for _, m := range current.Messages {
			bySeq[m.SequenceNo] = m
		}
	}
	for _, job := range batch {
		bySeq[job.msg.SequenceNo] = job.msg
	}

	merged := make([]domain.ArchivedMessage, 0, len(bySeq))
	for _, m := range bySeq {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].SequenceNo < merged[j].SequenceNo })

	now := time.Now().UTC()
	snap := domain.Snapshot{
		RoomID:        meta.RoomID,
		Messages:      merged,
		MessageCount:  len(merged),
		LastUpdated:   now,
		CreatedAt:     now,
		UserInfo:      meta.User,
		TherapistInfo: meta.Therapist,
	}
	if current != nil {
		snap.CreatedAt = current.CreatedAt
		if snap.UserInfo.DID == "" {
			snap.UserInfo.DID = current.UserInfo.DID
		}
		if snap.TherapistInfo.DID == "" {
			snap.TherapistInfo.DID = current.TherapistInfo.DID
		}
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	cid, err := s.store.Put(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	rec := SnapshotRecord{
		RoomID:       snap.RoomID,
		ContentID:    cid,
		MessageCount: snap.MessageCount,
		LastUpdated:  snap.LastUpdated,
		UserID:       snap.UserInfo.ID,
		TherapistID:  snap.TherapistInfo.ID,
	}
	if err := s.index.Insert(ctx, &rec); err != nil {
		return err
	}

	l := log.L()
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, snap.RoomID); err != nil {
			l.Warn().Str(log.FieldRoomID, snap.RoomID).Err(err).
				Msg("failed to invalidate snapshot cache")
		}
	}

	l.Debug().Str(log.FieldRoomID, snap.RoomID).
		Str(log.FieldContentID, cid).
		Int(log.FieldMessageCount, snap.MessageCount).
		Msg("snapshot flushed")
	return nil
}

// LoadLatest returns the room's current snapshot. Concurrent loads for the
// same room collapse into one fetch.
func (s *Sync) LoadLatest(ctx context.Context, roomID string) (*domain.Snapshot, error) {
	v, err, _ := s.group.Do(roomID, func() (interface{}, error) {
		if s.cache != nil {
			if snap, err := s.cache.Get(ctx, roomID); err == nil {
				return snap, nil
			}
		}

		snap, err := s.loadFromStore(ctx, roomID)
		if err != nil {
			return nil, err
		}

		if s.cache != nil {
			if err := s.cache.Set(ctx, snap); err != nil {
				l := log.Ctx(ctx)
				l.Warn().Str(log.FieldRoomID, roomID).Err(err).
					Msg("failed to cache snapshot")
			}
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Snapshot), nil
}

func (s *Sync) loadFromStore(ctx context.Context, roomID string) (*domain.Snapshot, error) {
	rec, err := s.index.Latest(ctx, roomID)
	if err != nil {
		return nil, err
	}

	data, err := s.store.Get(ctx, rec.ContentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot %s: %w", rec.ContentID, err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", rec.ContentID, err)
	}
	return &snap, nil
}

// ListRooms returns archive metadata for every room the participant has a
// snapshot in. Rooms whose snapshot blob is missing or unreadable are
// skipped rather than failing the whole listing.
func (s *Sync) ListRooms(ctx context.Context, participantID string) ([]domain.RoomArchiveInfo, error) {
	recs, err := s.index.ListByParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}

	l := log.Ctx(ctx)
	infos := make([]domain.RoomArchiveInfo, 0, len(recs))
	for _, rec := range recs {
		ok, err := s.store.Exists(ctx, rec.ContentID)
		if err != nil || !ok {
			l.Warn().Str(log.FieldRoomID, rec.RoomID).
				Str(log.FieldContentID, rec.ContentID).Err(err).
				Msg("skipping room with unfetchable snapshot")
			continue
		}
		infos = append(infos, domain.RoomArchiveInfo{
			RoomID:       rec.RoomID,
			ContentID:    rec.ContentID,
			MessageCount: rec.MessageCount,
			LastUpdated:  rec.LastUpdated,
			UserID:       rec.UserID,
			TherapistID:  rec.TherapistID,
		})
	}
	return infos, nil
}

// Close stops accepting appends and waits for every room's queued
// messages to flush.
func (s *Sync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// New appends are refused now; wait out the in-flight ones before
	// closing the queues.
	s.appends.Wait()

	s.mu.Lock()
	for _, f := range s.flushers {
		close(f.queue)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

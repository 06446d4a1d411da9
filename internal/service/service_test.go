package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/CineSync/cinesync-server/internal/repo"
)

// memStore はテスト用のインメモリ実装
// RoomRepo / AuthorityRepo / ScheduleRepo をまとめて満たします
type memStore struct {
	mu           sync.Mutex
	grantErr     error // GetGrantに注入する疑似ストア障害
	rooms        map[string]models.Room
	codes        map[string]string
	participants map[string]map[string]models.Participant
	playback     map[string]models.PlaybackState
	online       map[string]map[string]struct{}
	activity     map[string]int64
	warned       map[string]bool
	grants       map[string]map[string]models.TemporaryHostSession
	votes        map[string]models.PlaybackVote
	schedules    map[string]models.ScheduledRoom
}

func newMemStore() *memStore {
	return &memStore{
		rooms:        map[string]models.Room{},
		codes:        map[string]string{},
		participants: map[string]map[string]models.Participant{},
		playback:     map[string]models.PlaybackState{},
		online:       map[string]map[string]struct{}{},
		activity:     map[string]int64{},
		warned:       map[string]bool{},
		grants:       map[string]map[string]models.TemporaryHostSession{},
		votes:        map[string]models.PlaybackVote{},
		schedules:    map[string]models.ScheduledRoom{},
	}
}

func (m *memStore) CreateRoom(ctx context.Context, room models.Room, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.codes[room.Code]; exists {
		return repo.ErrRoomExists
	}
	m.codes[room.Code] = room.RoomId
	m.rooms[room.RoomId] = room
	return nil
}

func (m *memStore) GetRoom(ctx context.Context, roomId string) (models.Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomId]
	return r, ok, nil
}

func (m *memStore) UpdateRoom(ctx context.Context, room models.Room, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.RoomId] = room
	return nil
}

func (m *memStore) DeleteRoom(ctx context.Context, roomId, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomId)
	if code != "" {
		delete(m.codes, code)
	}
	delete(m.participants, roomId)
	delete(m.playback, roomId)
	delete(m.activity, roomId)
	delete(m.warned, roomId)
	delete(m.grants, roomId)
	delete(m.votes, roomId)
	return nil
}

func (m *memStore) ResolveCode(ctx context.Context, code string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.codes[code]
	return id, ok, nil
}

func (m *memStore) ListRoomIds(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) AddParticipant(ctx context.Context, roomId string, p models.Participant, maxParticipants, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.participants[roomId]
	if !ok {
		ps = map[string]models.Participant{}
		m.participants[roomId] = ps
	}
	if _, rejoining := ps[p.ParticipantId]; !rejoining && len(ps) >= maxParticipants {
		return repo.ErrRoomFull
	}
	ps[p.ParticipantId] = p
	return nil
}

func (m *memStore) RemoveParticipant(ctx context.Context, roomId, participantId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants[roomId], participantId)
	return nil
}

func (m *memStore) GetParticipant(ctx context.Context, roomId, participantId string) (models.Participant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[roomId][participantId]
	return p, ok, nil
}

func (m *memStore) ListParticipants(ctx context.Context, roomId string) ([]models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Participant, 0, len(m.participants[roomId]))
	for _, p := range m.participants[roomId] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantId < out[j].ParticipantId })
	return out, nil
}

func (m *memStore) UpdateParticipant(ctx context.Context, roomId string, p models.Participant, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.participants[roomId]
	if !ok {
		return repo.ErrParticipantMissing
	}
	if _, exists := ps[p.ParticipantId]; !exists {
		return repo.ErrParticipantMissing
	}
	ps[p.ParticipantId] = p
	return nil
}

func (m *memStore) GetPlayback(ctx context.Context, roomId string) (models.PlaybackState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.playback[roomId]
	return st, ok, nil
}

func (m *memStore) UpsertPlayback(ctx context.Context, roomId string, state models.PlaybackState, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.playback[roomId]
	if ok && stored.Version != state.Version {
		return repo.ErrVersionConflict
	}
	if !ok && state.Version != 0 {
		return repo.ErrVersionConflict
	}
	state.Version++
	m.playback[roomId] = state
	return nil
}

func (m *memStore) MarkOnline(ctx context.Context, roomId, connectionId string, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.online[roomId]
	if !ok {
		set = map[string]struct{}{}
		m.online[roomId] = set
	}
	set[connectionId] = struct{}{}
	return nil
}

func (m *memStore) MarkOffline(ctx context.Context, roomId, connectionId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online[roomId], connectionId)
	return nil
}

func (m *memStore) CountOnline(ctx context.Context, roomId string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.online[roomId])), nil
}

func (m *memStore) TouchRoom(ctx context.Context, roomId string, ttlSec int) error { return nil }

func (m *memStore) TouchActivity(ctx context.Context, roomId string, atMs int64, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[roomId] = atMs
	delete(m.warned, roomId)
	return nil
}

func (m *memStore) GetActivity(ctx context.Context, roomId string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.activity[roomId]
	return at, ok, nil
}

func (m *memStore) MarkWarned(ctx context.Context, roomId string, ttlSec int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warned[roomId] {
		return false, nil
	}
	m.warned[roomId] = true
	return true, nil
}

func (m *memStore) PutGrant(ctx context.Context, g models.TemporaryHostSession, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs, ok := m.grants[g.RoomId]
	if !ok {
		gs = map[string]models.TemporaryHostSession{}
		m.grants[g.RoomId] = gs
	}
	gs[g.TemporaryHostId] = g
	return nil
}

func (m *memStore) GetGrant(ctx context.Context, roomId, hostId string) (models.TemporaryHostSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grantErr != nil {
		return models.TemporaryHostSession{}, false, m.grantErr
	}
	g, ok := m.grants[roomId][hostId]
	return g, ok, nil
}

func (m *memStore) ListGrants(ctx context.Context, roomId string) ([]models.TemporaryHostSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TemporaryHostSession, 0, len(m.grants[roomId]))
	for _, g := range m.grants[roomId] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemporaryHostId < out[j].TemporaryHostId })
	return out, nil
}

func (m *memStore) DeleteGrant(ctx context.Context, roomId, hostId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants[roomId], hostId)
	return nil
}

func (m *memStore) PutVote(ctx context.Context, v models.PlaybackVote, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes[v.RoomId] = v
	return nil
}

func (m *memStore) GetVote(ctx context.Context, roomId string) (models.PlaybackVote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.votes[roomId]
	return v, ok, nil
}

func (m *memStore) DeleteVote(ctx context.Context, roomId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.votes, roomId)
	return nil
}

func (m *memStore) CreateScheduled(ctx context.Context, s models.ScheduledRoom) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ScheduleId] = s
	return nil
}

func (m *memStore) GetScheduled(ctx context.Context, scheduleId string) (models.ScheduledRoom, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleId]
	return s, ok, nil
}

func (m *memStore) UpdateScheduled(ctx context.Context, s models.ScheduledRoom) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ScheduleId] = s
	return nil
}

func (m *memStore) DeleteScheduled(ctx context.Context, scheduleId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, scheduleId)
	return nil
}

func (m *memStore) ListPending(ctx context.Context, beforeMs int64) ([]models.ScheduledRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledRoom
	for _, s := range m.schedules {
		if s.ScheduledFor <= beforeMs {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleId < out[j].ScheduleId })
	return out, nil
}

func (m *memStore) ListUpcoming(ctx context.Context, fromMs, toMs int64) ([]models.ScheduledRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledRoom
	for _, s := range m.schedules {
		if s.ScheduledFor >= fromMs && s.ScheduledFor <= toMs {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleId < out[j].ScheduleId })
	return out, nil
}

// memLock はテスト用のプロセス内ロック
type memLock struct {
	mu sync.Mutex
}

func (l *memLock) WithRoomLock(ctx context.Context, roomId string, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}

// recordedEvent はmemEventsが記録したイベント
type recordedEvent struct {
	RoomId string
	Event  string
}

// memEvents はEventSinkのテスト用実装
type memEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *memEvents) Append(ctx context.Context, roomId, event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{RoomId: roomId, Event: event})
	return nil
}

func (e *memEvents) count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Event == event {
			n++
		}
	}
	return n
}

// fixedCodes は決められたコードを順番に返すCodeGenerator
type fixedCodes struct {
	mu    sync.Mutex
	codes []string
	i     int
}

func (g *fixedCodes) New() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.i >= len(g.codes) {
		g.i = 0
	}
	c := g.codes[g.i]
	g.i++
	return c, nil
}

// fakeClock はテスト用の固定時計
type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func newFakeClock(ms int64) *fakeClock {
	return &fakeClock{at: time.UnixMilli(ms)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

// testEnv はサービス一式をインメモリ実装で束ねたテスト環境
type testEnv struct {
	store     *memStore
	events    *memEvents
	clock     *fakeClock
	rooms     *RoomService
	authority *AuthorityService
	playback  *PlaybackService
}

func newTestEnv() *testEnv {
	store := newMemStore()
	events := &memEvents{}
	clock := newFakeClock(1_000_000)
	locker := &memLock{}

	rooms := NewRoomService(store, locker, events, NewRoomCodeGenerator(), 3600)
	rooms.SetNow(clock.Now)

	authority := NewAuthorityService(store, store, locker, events, 3600, time.Minute)
	authority.SetNow(clock.Now)

	playback := NewPlaybackService(store, locker, authority, alwaysReady{}, events, 3600)
	playback.SetNow(clock.Now)

	return &testEnv{
		store:     store,
		events:    events,
		clock:     clock,
		rooms:     rooms,
		authority: authority,
		playback:  playback,
	}
}

// alwaysReady はメディア準備チェックを常に通すテスト用実装
type alwaysReady struct{}

func (alwaysReady) Ready(ctx context.Context, mediaRef string) (bool, error) { return true, nil }

// neverReady はメディア準備チェックを常に落とすテスト用実装
type neverReady struct{}

func (neverReady) Ready(ctx context.Context, mediaRef string) (bool, error) { return false, nil }

func authedIdentity(userId string) models.Identity {
	return models.Identity{UserId: userId, Username: userId}
}

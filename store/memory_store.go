package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"quizroom/models"
)

// MemoryStore is an in-process Gateway for tests and the simulator.
// It has no atomic seat counter, so callers fall back to
// compare-and-swap on Room.Version.
type MemoryStore struct {
	mu        sync.RWMutex
	rooms     map[string]models.Room
	players   map[string]models.Player // by player id
	questions map[string]models.Question
	answers   map[string]models.Answer
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:     make(map[string]models.Room),
		players:   make(map[string]models.Player),
		questions: make(map[string]models.Question),
		answers:   make(map[string]models.Answer),
		now:       time.Now,
	}
}

func (m *MemoryStore) CreateRoom(ctx context.Context, room *models.Room) error {
	if err := validate(room); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[room.ID]; ok {
		return ErrDuplicate
	}
	now := m.now().UTC()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.UpdatedAt = now
	if room.Version == 0 {
		room.Version = 1
	}
	m.rooms[room.ID] = cloneRoom(*room)
	return nil
}

func (m *MemoryStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRoom(room)
	return &out, nil
}

func (m *MemoryStore) ListRooms(ctx context.Context, filter RoomFilter) ([]models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rooms []models.Room
	for _, r := range m.rooms {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.OnlyOpen && r.IsFull() {
			continue
		}
		rooms = append(rooms, cloneRoom(r))
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	if filter.Limit > 0 && len(rooms) > filter.Limit {
		rooms = rooms[:filter.Limit]
	}
	return rooms, nil
}

func (m *MemoryStore) UpdateRoom(ctx context.Context, room *models.Room) error {
	if err := validate(room); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.rooms[room.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != room.Version {
		return ErrConflict
	}
	room.Version++
	room.UpdatedAt = m.now().UTC()
	room.CreatedAt = stored.CreatedAt
	m.rooms[room.ID] = cloneRoom(*room)
	return nil
}

func (m *MemoryStore) DeleteRoom(ctx context.Context, id string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.rooms[id]
	if !ok {
		return ErrNotFound
	}
	if version > 0 && stored.Version != version {
		return ErrConflict
	}
	m.deleteRoomLocked(id)
	return nil
}

func (m *MemoryStore) deleteRoomLocked(id string) {
	delete(m.rooms, id)
	for k, p := range m.players {
		if p.RoomID == id {
			delete(m.players, k)
		}
	}
	for k, q := range m.questions {
		if q.RoomID == id {
			delete(m.questions, k)
		}
	}
	for k, a := range m.answers {
		if a.RoomID == id {
			delete(m.answers, k)
		}
	}
}

func (m *MemoryStore) InsertPlayer(ctx context.Context, player *models.Player) error {
	if err := validate(player); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[player.RoomID]; !ok {
		return fmt.Errorf("%w: room %s", ErrNotFound, player.RoomID)
	}
	if _, ok := m.players[player.ID]; ok {
		return ErrDuplicate
	}
	for _, p := range m.players {
		if p.RoomID == player.RoomID && p.UserID == player.UserID {
			return ErrDuplicate
		}
	}
	if player.JoinedAt.IsZero() {
		player.JoinedAt = m.now().UTC()
	}
	m.players[player.ID] = clonePlayer(*player)
	return nil
}

func (m *MemoryStore) GetPlayer(ctx context.Context, roomID, userID string) (*models.Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.players {
		if p.RoomID == roomID && p.UserID == userID {
			out := clonePlayer(p)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListPlayers(ctx context.Context, roomID string) ([]models.Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var players []models.Player
	for _, p := range m.players {
		if p.RoomID == roomID {
			players = append(players, clonePlayer(p))
		}
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinedAt.Equal(players[j].JoinedAt) {
			return players[i].ID < players[j].ID
		}
		return players[i].JoinedAt.Before(players[j].JoinedAt)
	})
	return players, nil
}

func (m *MemoryStore) DeletePlayer(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, p := range m.players {
		if p.RoomID == roomID && p.UserID == userID {
			delete(m.players, k)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) RemovePlayer(ctx context.Context, room *models.Room, userID string, deleteRoom bool) error {
	if !deleteRoom {
		if err := validate(room); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	playerID := ""
	for k, p := range m.players {
		if p.RoomID == room.ID && p.UserID == userID {
			playerID = k
			break
		}
	}
	if playerID == "" {
		return ErrNotFound
	}
	stored, ok := m.rooms[room.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != room.Version {
		return ErrConflict
	}

	delete(m.players, playerID)
	if deleteRoom {
		m.deleteRoomLocked(room.ID)
		return nil
	}
	room.Version++
	room.UpdatedAt = m.now().UTC()
	room.CreatedAt = stored.CreatedAt
	m.rooms[room.ID] = cloneRoom(*room)
	return nil
}

func (m *MemoryStore) SetReady(ctx context.Context, roomID, playerID string, ready bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[playerID]
	if !ok || p.RoomID != roomID {
		return ErrNotFound
	}
	p.Ready = ready
	m.players[playerID] = p
	return nil
}

func (m *MemoryStore) AddScore(ctx context.Context, roomID, playerID string, delta int) error {
	if delta < 0 {
		return fmt.Errorf("%w: score delta %d is negative", ErrInvalid, delta)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[playerID]
	if !ok || p.RoomID != roomID {
		return ErrNotFound
	}
	p.Score += delta
	m.players[playerID] = p
	return nil
}

func (m *MemoryStore) SetCurrentAnswer(ctx context.Context, roomID, playerID string, value *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[playerID]
	if !ok || p.RoomID != roomID {
		return ErrNotFound
	}
	p.CurrentAnswer = copyInt(value)
	m.players[playerID] = p
	return nil
}

func (m *MemoryStore) ClearCurrentAnswers(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, p := range m.players {
		if p.RoomID == roomID {
			p.CurrentAnswer = nil
			m.players[k] = p
		}
	}
	return nil
}

func (m *MemoryStore) InsertQuestion(ctx context.Context, q *models.Question) error {
	if err := validate(q); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[q.RoomID]
	if !ok {
		return ErrNotFound
	}
	if room.Status != models.RoomStatusInProgress {
		return ErrRoomClosed
	}
	if _, ok := m.questions[q.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.questions {
		if existing.RoomID == q.RoomID && existing.Sequence == q.Sequence {
			return ErrDuplicate
		}
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = m.now().UTC()
	}
	m.questions[q.ID] = cloneQuestion(*q)
	return nil
}

func (m *MemoryStore) GetQuestion(ctx context.Context, id string) (*models.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.questions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneQuestion(q)
	return &out, nil
}

func (m *MemoryStore) LatestQuestion(ctx context.Context, roomID string) (*models.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.Question
	for _, q := range m.questions {
		if q.RoomID != roomID {
			continue
		}
		if latest == nil || q.Sequence > latest.Sequence {
			c := cloneQuestion(q)
			latest = &c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (m *MemoryStore) GetQuestionBySequence(ctx context.Context, roomID string, sequence int) (*models.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, q := range m.questions {
		if q.RoomID == roomID && q.Sequence == sequence {
			out := cloneQuestion(q)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) InsertAnswer(ctx context.Context, a *models.Answer) error {
	if err := validate(a); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.answers[a.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.answers {
		if existing.QuestionID == a.QuestionID && existing.UserID == a.UserID {
			return ErrDuplicate
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	m.answers[a.ID] = *a
	return nil
}

func (m *MemoryStore) RecordAnswer(ctx context.Context, a *models.Answer, playerID string, credit int) error {
	if err := validate(a); err != nil {
		return err
	}
	if credit < 0 {
		return fmt.Errorf("%w: score credit %d is negative", ErrInvalid, credit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.answers[a.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.answers {
		if existing.QuestionID == a.QuestionID && existing.UserID == a.UserID {
			return ErrDuplicate
		}
	}
	p, ok := m.players[playerID]
	if credit > 0 && (!ok || p.RoomID != a.RoomID) {
		return ErrNotFound
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	m.answers[a.ID] = *a
	if credit > 0 {
		p.Score += credit
		m.players[playerID] = p
	}
	return nil
}

func (m *MemoryStore) GetAnswer(ctx context.Context, questionID, userID string) (*models.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.answers {
		if a.QuestionID == questionID && a.UserID == userID {
			out := a
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListAnswers(ctx context.Context, questionID string) ([]models.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var answers []models.Answer
	for _, a := range m.answers {
		if a.QuestionID == questionID {
			answers = append(answers, a)
		}
	}
	sort.Slice(answers, func(i, j int) bool {
		return answers[i].CreatedAt.Before(answers[j].CreatedAt)
	})
	return answers, nil
}

func cloneRoom(r models.Room) models.Room {
	r.CountdownEndsAt = copyTime(r.CountdownEndsAt)
	r.StartedAt = copyTime(r.StartedAt)
	r.CompletedAt = copyTime(r.CompletedAt)
	return r
}

func clonePlayer(p models.Player) models.Player {
	p.CurrentAnswer = copyInt(p.CurrentAnswer)
	return p
}

func cloneQuestion(q models.Question) models.Question {
	q.Options = append([]int(nil), q.Options...)
	return q
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

package cardstore

import (
    "context"
    "strings"
    "sync"
    "time"

    "github.com/park285/nfc-card-battle/internal/progression"
)

// Memory is an in-process Repository used when no DATABASE_URL is configured and by tests.
type Memory struct {
    mu sync.RWMutex

    cards   map[string]*Card
    matches map[string]*MatchRecord
    order   []string // match ids in record order
}

func NewMemory() *Memory {
    return &Memory{
        cards:   make(map[string]*Card),
        matches: make(map[string]*MatchRecord),
    }
}

// PutCard inserts or replaces a card. Level is derived from Exp.
func (m *Memory) PutCard(card Card) {
    card.UID = strings.TrimSpace(card.UID)
    card.Level = progression.LevelFor(card.Exp)
    if card.UpdatedAt.IsZero() { card.UpdatedAt = time.Now() }
    m.mu.Lock()
    m.cards[card.UID] = &card
    m.mu.Unlock()
}

func (m *Memory) GetCard(ctx context.Context, uid string) (*Card, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    c, ok := m.cards[strings.TrimSpace(uid)]
    if !ok || c == nil {
        return nil, nil
    }
    copy := *c
    return &copy, nil
}

func (m *Memory) RecordMatch(ctx context.Context, rec *MatchRecord) error {
    if err := rec.validate(); err != nil { return err }
    m.mu.Lock()
    defer m.mu.Unlock()
    if _, dup := m.matches[rec.MatchID]; dup {
        return nil
    }
    a, okA := m.cards[rec.A.CardUID]
    b, okB := m.cards[rec.B.CardUID]
    if !okA || !okB {
        return ErrCardNotFound
    }
    now := time.Now()
    for _, pair := range []struct {
        c *Card
        s SideResult
    }{{a, rec.A}, {b, rec.B}} {
        pair.c.Exp += pair.s.ExpGained
        pair.c.Level = progression.LevelFor(pair.c.Exp)
        pair.c.Wins += boolInt(pair.s.Won)
        pair.c.Losses += boolInt(!pair.s.Won)
        pair.c.UpdatedAt = now
    }
    copy := *rec
    if copy.EndedAt.IsZero() { copy.EndedAt = now }
    m.matches[rec.MatchID] = &copy
    m.order = append(m.order, rec.MatchID)
    return nil
}

// Matches returns recorded matches oldest first.
func (m *Memory) Matches() []MatchRecord {
    m.mu.RLock()
    defer m.mu.RUnlock()
    out := make([]MatchRecord, 0, len(m.order))
    for _, id := range m.order {
        out = append(out, *m.matches[id])
    }
    return out
}

package cardstore

import (
    "context"
    "errors"
    "time"
)

// Card is the durable progression record behind one physical NFC tag.
// AuthToken is read-only here; it is provisioned elsewhere and never rotated.
type Card struct {
    UID         string
    CharacterID int
    Level       int
    Exp         int
    Wins        int
    Losses      int
    AuthToken   string
    UpdatedAt   time.Time
}

// SideResult is the per-card delta written at match end.
type SideResult struct {
    CardUID   string
    ExpGained int
    Won       bool
}

// MatchRecord is one finished match. MatchID makes RecordMatch idempotent.
type MatchRecord struct {
    MatchID  string
    RoomCode string
    Winner   string
    Turns    int
    A        SideResult
    B        SideResult
    EndedAt  time.Time
}

// Repository is the record store consumed by sessions.
type Repository interface {
    // GetCard returns (nil, nil) when the uid is unknown.
    GetCard(ctx context.Context, uid string) (*Card, error)
    // RecordMatch increments exp/wins/losses for both cards and recomputes levels in one transaction.
    RecordMatch(ctx context.Context, rec *MatchRecord) error
}

var (
    ErrInvalidRecord = errors.New("invalid match record")
    ErrCardNotFound  = errors.New("card not found")
)

func (r *MatchRecord) validate() error {
    if r == nil || r.MatchID == "" || r.A.CardUID == "" || r.B.CardUID == "" {
        return ErrInvalidRecord
    }
    if r.A.ExpGained < 0 || r.B.ExpGained < 0 {
        return ErrInvalidRecord
    }
    return nil
}

func boolInt(b bool) int {
    if b { return 1 }
    return 0
}

package cardstore

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "strings"
    "time"

    _ "github.com/lib/pq"

    "github.com/park285/nfc-card-battle/internal/progression"
)

// Schema creates the two tables the battle core touches. Card provisioning lives elsewhere.
const Schema = `
CREATE TABLE IF NOT EXISTS cards (
    uid          TEXT PRIMARY KEY,
    character_id INTEGER NOT NULL,
    level        INTEGER NOT NULL DEFAULT 1,
    exp          INTEGER NOT NULL DEFAULT 0,
    wins         INTEGER NOT NULL DEFAULT 0,
    losses       INTEGER NOT NULL DEFAULT 0,
    auth_token   TEXT NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS battle_matches (
    match_id     UUID PRIMARY KEY,
    room_code    TEXT NOT NULL,
    winner       TEXT NOT NULL,
    turns        INTEGER NOT NULL,
    card_a       TEXT NOT NULL REFERENCES cards(uid),
    card_b       TEXT NOT NULL REFERENCES cards(uid),
    exp_a        INTEGER NOT NULL,
    exp_b        INTEGER NOT NULL,
    ended_at     TIMESTAMPTZ NOT NULL
);`

type Postgres struct {
    db *sql.DB
}

func NewPostgres(databaseURL string) (*Postgres, error) {
    if strings.TrimSpace(databaseURL) == "" {
        return nil, fmt.Errorf("DATABASE_URL is required")
    }
    db, err := sql.Open("postgres", databaseURL)
    if err != nil {
        return nil, err
    }
    db.SetMaxOpenConns(16)
    db.SetMaxIdleConns(8)
    db.SetConnMaxLifetime(30 * time.Minute)
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := db.PingContext(ctx); err != nil {
        _ = db.Close()
        return nil, fmt.Errorf("postgres ping: %w", err)
    }
    return &Postgres{db: db}, nil
}

func (r *Postgres) Close() error {
    if r == nil || r.db == nil { return nil }
    return r.db.Close()
}

// EnsureSchema applies Schema. Safe to call on every start.
func (r *Postgres) EnsureSchema(ctx context.Context) error {
    _, err := r.db.ExecContext(ctx, Schema)
    return err
}

func (r *Postgres) GetCard(ctx context.Context, uid string) (*Card, error) {
    q := `SELECT uid, character_id, level, exp, wins, losses, auth_token, updated_at
      FROM cards WHERE uid = $1`
    var c Card
    err := r.db.QueryRowContext(ctx, q, strings.TrimSpace(uid)).Scan(
        &c.UID, &c.CharacterID, &c.Level, &c.Exp, &c.Wins, &c.Losses, &c.AuthToken, &c.UpdatedAt,
    )
    if errors.Is(err, sql.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return &c, nil
}

// UpsertCard provisions or replaces a card row. Used by seeding tools.
func (r *Postgres) UpsertCard(ctx context.Context, c *Card) error {
    if c == nil || strings.TrimSpace(c.UID) == "" { return fmt.Errorf("card uid required") }
    q := `INSERT INTO cards (uid, character_id, level, exp, wins, losses, auth_token, updated_at)
      VALUES ($1,$2,$3,$4,$5,$6,$7,now())
      ON CONFLICT (uid) DO UPDATE SET
        character_id=EXCLUDED.character_id,
        level=EXCLUDED.level,
        exp=EXCLUDED.exp,
        wins=EXCLUDED.wins,
        losses=EXCLUDED.losses,
        auth_token=EXCLUDED.auth_token,
        updated_at=now()`
    _, err := r.db.ExecContext(ctx, q,
        strings.TrimSpace(c.UID), c.CharacterID, progression.LevelFor(c.Exp), c.Exp, c.Wins, c.Losses, c.AuthToken,
    )
    return err
}

// RecordMatch writes the match row and both card deltas atomically.
// A match id that was already recorded is a no-op.
func (r *Postgres) RecordMatch(ctx context.Context, rec *MatchRecord) error {
    if err := rec.validate(); err != nil { return err }
    ended := rec.EndedAt
    if ended.IsZero() { ended = time.Now() }

    tx, err := r.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func() { _ = tx.Rollback() }()

    res, err := tx.ExecContext(ctx, `INSERT INTO battle_matches (
        match_id, room_code, winner, turns, card_a, card_b, exp_a, exp_b, ended_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
      ON CONFLICT (match_id) DO NOTHING`,
        rec.MatchID, rec.RoomCode, rec.Winner, rec.Turns,
        rec.A.CardUID, rec.B.CardUID, rec.A.ExpGained, rec.B.ExpGained, ended,
    )
    if err != nil { return fmt.Errorf("insert match: %w", err) }
    if n, _ := res.RowsAffected(); n == 0 {
        return nil
    }

    for _, s := range []SideResult{rec.A, rec.B} {
        if err := applySide(ctx, tx, s); err != nil { return err }
    }
    return tx.Commit()
}

func applySide(ctx context.Context, tx *sql.Tx, s SideResult) error {
    var exp int
    err := tx.QueryRowContext(ctx, `SELECT exp FROM cards WHERE uid = $1 FOR UPDATE`, s.CardUID).Scan(&exp)
    if errors.Is(err, sql.ErrNoRows) { return fmt.Errorf("%w: %s", ErrCardNotFound, s.CardUID) }
    if err != nil { return err }
    exp += s.ExpGained
    _, err = tx.ExecContext(ctx, `UPDATE cards SET
        exp = $2, level = $3, wins = wins + $4, losses = losses + $5, updated_at = now()
      WHERE uid = $1`,
        s.CardUID, exp, progression.LevelFor(exp), boolInt(s.Won), boolInt(!s.Won),
    )
    if err != nil { return fmt.Errorf("update card %s: %w", s.CardUID, err) }
    return nil
}

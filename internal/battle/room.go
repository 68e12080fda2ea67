// Package battle owns the authoritative state of a single match. Both the relay
// server and a peer host drive the same Room; they differ only in how events reach clients.
package battle

import (
	"context"
	crand "crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/nfc-card-battle/internal/cardlock"
	"github.com/park285/nfc-card-battle/internal/cardstore"
	"github.com/park285/nfc-card-battle/internal/catalog"
	"github.com/park285/nfc-card-battle/internal/combat"
	"github.com/park285/nfc-card-battle/internal/obslog"
	"github.com/park285/nfc-card-battle/internal/progression"
	"github.com/park285/nfc-card-battle/pkg/battledto"
)

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusReady    Status = "ready"
	StatusBattle   Status = "battle"
	StatusFinished Status = "finished"
)

// Notifier delivers an event to one side. It is called with the room lock held,
// so it must not block and must not call back into the Room.
type Notifier interface {
	Notify(role combat.Role, ev battledto.Event)
}

type NotifierFunc func(role combat.Role, ev battledto.Event)

func (f NotifierFunc) Notify(role combat.Role, ev battledto.Event) { f(role, ev) }

// CardSource resolves a card uid. (nil, nil) means unknown.
type CardSource interface {
	GetCard(ctx context.Context, uid string) (*cardstore.Card, error)
}

type ResultRecorder interface {
	RecordMatch(ctx context.Context, rec *cardstore.MatchRecord) error
}

// CardLocker answers "is this uid already bound to an active session".
type CardLocker interface {
	Acquire(ctx context.Context, uid, owner string) (bool, error)
	Release(ctx context.Context, uid, owner string) error
	// Refresh extends a held lock; it is a no-op when owner no longer holds uid.
	Refresh(ctx context.Context, uid, owner string) error
}

type Config struct {
	TurnTimeLimit  time.Duration
	NextTurnDelay  time.Duration
	PersistTimeout time.Duration
	Params         combat.Params
}

func DefaultConfig() Config {
	return Config{
		TurnTimeLimit:  combat.TurnTimeLimit,
		NextTurnDelay:  2 * time.Second,
		PersistTimeout: 10 * time.Second,
		Params:         combat.DefaultParams(),
	}
}

// Deps are the collaborators of a Room. Cards is required; everything else has a default.
type Deps struct {
	Characters *catalog.Catalog
	Cards      CardSource
	Results    ResultRecorder
	Locks      CardLocker
	Scheduler  Scheduler
	RNG        combat.RNG
	Logger     *zap.Logger
	NewMatchID func() string
	// OnDone runs once, outside the room lock, when the room is discarded.
	OnDone func(*Room)
}

var roles = [2]combat.Role{combat.RoleA, combat.RoleB}

type slot struct {
	seated      bool
	registering bool

	card  *cardstore.Card
	char  catalog.Character
	level int
	stats progression.Stats

	hp     int
	cd     int
	action combat.Action
}

func (s *slot) registered() bool { return s.card != nil }

func (s *slot) fighter() combat.Fighter {
	return combat.Fighter{HP: s.hp, Attack: s.stats.Attack, Defense: s.stats.Defense, SpecialCD: s.cd}
}

func (s *slot) combatant() battledto.Combatant {
	return battledto.Combatant{
		CharacterID: s.char.ID,
		Name:        s.char.Name,
		HP:          s.stats.HP,
		Attack:      s.stats.Attack,
		Defense:     s.stats.Defense,
	}
}

type Room struct {
	code      string
	createdAt time.Time
	cfg       Config

	chars   *catalog.Catalog
	cards   CardSource
	results ResultRecorder
	locks   CardLocker
	sched   Scheduler
	rng     combat.RNG
	log     *zap.Logger
	matchID func() string
	onDone  func(*Room)
	notify  Notifier

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     Status
	slots      [2]slot
	turn       int
	turnType   combat.TurnType
	processing bool
	stopTimer  func()
	settle     func()
}

// NewRoom creates a waiting room with side A already seated.
func NewRoom(code string, cfg Config, deps Deps, notify Notifier) (*Room, error) {
	if deps.Cards == nil {
		return nil, fmt.Errorf("battle: card source required")
	}
	if notify == nil {
		return nil, fmt.Errorf("battle: notifier required")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	r := &Room{
		code:      strings.TrimSpace(code),
		createdAt: time.Now(),
		cfg:       cfg,
		chars:     deps.Characters,
		cards:     deps.Cards,
		results:   deps.Results,
		locks:     deps.Locks,
		sched:     deps.Scheduler,
		rng:       deps.RNG,
		log:       deps.Logger,
		matchID:   deps.NewMatchID,
		onDone:    deps.OnDone,
		notify:    notify,
		done:      make(chan struct{}),
		status:    StatusWaiting,
		turnType:  combat.AAttacks,
	}
	if r.chars == nil {
		r.chars = catalog.Default()
	}
	if r.locks == nil {
		r.locks = cardlock.NewMemory()
	}
	if r.sched == nil {
		r.sched = SystemScheduler{}
	}
	if r.rng == nil {
		r.rng = newRand()
	}
	if r.log == nil {
		r.log = obslog.L()
	}
	r.log = r.log.With(zap.String("room", r.code))
	if r.matchID == nil {
		r.matchID = uuid.NewString
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.slots[0].seated = true
	return r, nil
}

func newRand() *rand.Rand {
	var seed [32]byte
	_, _ = crand.Read(seed[:])
	return rand.New(rand.NewChaCha8(seed))
}

func (r *Room) Code() string         { return r.code }
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Done is closed after the room has been discarded and its cleanup
// (result persistence, card lock release) has finished.
func (r *Room) Done() <-chan struct{} { return r.done }

// State is a point-in-time copy of the room for inspection.
type State struct {
	Status    Status
	Turn      int
	TurnType  combat.TurnType
	HP        [2]int
	SpecialCD [2]int
	Seated    [2]bool
}

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := State{Status: r.status, Turn: r.turn, TurnType: r.turnType}
	for i := range r.slots {
		st.HP[i] = r.slots[i].hp
		st.SpecialCD[i] = r.slots[i].cd
		st.Seated[i] = r.slots[i].seated
	}
	return st
}

func (r *Room) slot(role combat.Role) *slot { return &r.slots[role.Index()] }

// unlock releases the room lock and then runs any pending settle hook.
func (r *Room) unlock() {
	settle := r.settle
	r.settle = nil
	r.mu.Unlock()
	if settle != nil {
		settle()
	}
}

// Join seats side B.
func (r *Room) Join() error {
	r.mu.Lock()
	defer r.unlock()
	if r.status == StatusFinished {
		return ErrRoomClosed
	}
	b := r.slot(combat.RoleB)
	if b.seated {
		return ErrRoomFull
	}
	b.seated = true
	r.notify.Notify(combat.RoleA, battledto.Event{Type: battledto.EventOpponentJoined})
	if a := r.slot(combat.RoleA); a.registered() {
		r.notify.Notify(combat.RoleB, battledto.Event{
			Type:         battledto.EventOpponentCardRegistered,
			Registration: &battledto.Registration{Card: a.combatant(), Level: a.level},
		})
	}
	r.log.Info("room_join")
	return nil
}

// Register binds a card to role. Lookup and locking happen outside the room lock;
// the room is re-checked afterwards.
func (r *Room) Register(ctx context.Context, role combat.Role, uid, token string) error {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return ErrUnknownCard
	}

	r.mu.Lock()
	s := r.slot(role)
	var err error
	switch {
	case r.status == StatusFinished:
		err = ErrRoomClosed
	case !s.seated:
		err = ErrNotSeated
	case r.status != StatusWaiting:
		err = ErrNotWaiting
	case s.registered() || s.registering:
		err = ErrAlreadyRegistered
	}
	if err != nil {
		r.unlock()
		return err
	}
	s.registering = true
	r.mu.Unlock()

	card, char, err := r.admit(ctx, uid, token)

	r.mu.Lock()
	defer r.unlock()
	s.registering = false
	if err != nil {
		r.log.Info("card_register_rejected", zap.String("role", string(role)), zap.String("card", uid), zap.Error(err))
		return err
	}
	if r.status != StatusWaiting || !s.seated {
		r.releaseAsync([]string{uid})
		return ErrRoomClosed
	}

	s.card = card
	s.char = char
	s.level = progression.LevelFor(card.Exp)
	s.stats = progression.Scale(char.Stats, s.level)
	s.hp = s.stats.HP
	s.cd = 0

	r.notify.Notify(role, battledto.Event{
		Type:         battledto.EventCardRegistered,
		Registration: &battledto.Registration{Card: s.combatant(), Role: string(role), Level: s.level},
	})
	if r.slot(role.Other()).seated {
		r.notify.Notify(role.Other(), battledto.Event{
			Type:         battledto.EventOpponentCardRegistered,
			Registration: &battledto.Registration{Card: s.combatant(), Level: s.level},
		})
	}
	r.log.Info("card_register", zap.String("role", string(role)), zap.String("card", uid), zap.Int("level", s.level))

	if r.slots[0].registered() && r.slots[1].registered() {
		r.status = StatusReady
		r.log.Debug("room_ready")
		r.status = StatusBattle
		r.turnType = combat.AAttacks
		r.log.Info("battle_start")
		r.startTurnLocked()
	}
	return nil
}

// admit runs the registration gate: known card, token match, character present, card free.
func (r *Room) admit(ctx context.Context, uid, token string) (*cardstore.Card, catalog.Character, error) {
	card, err := r.cards.GetCard(ctx, uid)
	if err != nil {
		return nil, catalog.Character{}, fmt.Errorf("card lookup: %w", err)
	}
	if card == nil {
		return nil, catalog.Character{}, ErrUnknownCard
	}
	if subtle.ConstantTimeCompare([]byte(card.AuthToken), []byte(token)) != 1 {
		return nil, catalog.Character{}, ErrAuthFailed
	}
	char, ok := r.chars.Character(card.CharacterID)
	if !ok {
		return nil, catalog.Character{}, ErrCharacterMissing
	}
	ok, err = r.locks.Acquire(ctx, uid, r.code)
	if err != nil {
		return nil, catalog.Character{}, fmt.Errorf("card lock: %w", err)
	}
	if !ok {
		return nil, catalog.Character{}, ErrCardInUse
	}
	return card, char, nil
}

func (r *Room) startTurnLocked() {
	r.turn++
	if r.turn > 1 {
		r.turnType = r.turnType.Flip()
	}
	r.processing = false
	r.slots[0].action, r.slots[1].action = "", ""

	limit := int(r.cfg.TurnTimeLimit / time.Second)
	for _, role := range roles {
		r.notify.Notify(role, battledto.Event{
			Type: battledto.EventTurnStarted,
			TurnStart: &battledto.TurnStart{
				Turn:      r.turn,
				TimeLimit: limit,
				TurnType:  string(r.turnType),
				Role:      string(role),
				SpecialCD: r.slot(role).cd,
			},
		})
	}
	turn := r.turn
	r.stopTimer = r.sched.Schedule(r.ctx, r.cfg.TurnTimeLimit, func() { r.expire(turn) })
	go r.refreshCards(r.boundCards())
}

// SelectAction records role's action for the current turn.
func (r *Room) SelectAction(role combat.Role, action combat.Action) error {
	r.mu.Lock()
	defer r.unlock()
	s := r.slot(role)
	switch {
	case !s.seated:
		return ErrNotSeated
	case r.status != StatusBattle:
		return ErrNotInBattle
	case r.processing:
		return ErrTurnLocked
	case s.action != "":
		return ErrActionAlreadySet
	}
	if role == r.turnType.Attacker() {
		if !action.IsOffensive() {
			return ErrIllegalAction
		}
	} else if !action.IsDefensive() {
		return ErrIllegalAction
	}
	if action == combat.ActionSpecial && s.cd > 0 {
		return ErrSpecialOnCooldown
	}
	s.action = action
	if r.slots[0].action != "" && r.slots[1].action != "" {
		r.completeLocked()
	}
	return nil
}

func (r *Room) expire(turn int) {
	r.mu.Lock()
	defer r.unlock()
	if r.status != StatusBattle || r.turn != turn || r.processing {
		return
	}
	for i := range r.slots {
		if r.slots[i].action == "" {
			r.slots[i].action = combat.ActionTimeout
		}
	}
	r.log.Info("turn_timeout", zap.Int("turn", turn))
	r.completeLocked()
}

// completeLocked resolves the current turn. The processing flag makes it run at most once per turn.
func (r *Room) completeLocked() {
	if r.processing {
		return
	}
	r.processing = true
	r.stopTurnTimer()

	atk := r.turnType.Attacker()
	attacker, defender := r.slot(atk), r.slot(atk.Other())
	res := r.cfg.Params.Resolve(r.turn, r.turnType, attacker.fighter(), defender.fighter(), attacker.action, defender.action, r.rng)

	r.slots[0].hp, r.slots[0].cd = res.A.HP, res.A.SpecialCD
	r.slots[1].hp, r.slots[1].cd = res.B.HP, res.B.SpecialCD

	for _, role := range roles {
		dto := turnResultDTO(res)
		r.notify.Notify(role, battledto.Event{Type: battledto.EventTurnResult, Result: &dto})
	}
	r.log.Debug("turn_resolved",
		zap.Int("turn", res.Turn),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("hp_a", res.A.HP),
		zap.Int("hp_b", res.B.HP),
	)

	if winner, over := combat.Winner(res.A.HP, res.B.HP); over {
		r.finishLocked(winner)
		return
	}
	turn := r.turn
	r.stopTimer = r.sched.Schedule(r.ctx, r.cfg.NextTurnDelay, func() { r.advance(turn) })
}

func (r *Room) advance(turn int) {
	r.mu.Lock()
	defer r.unlock()
	if r.status != StatusBattle || r.turn != turn || !r.processing {
		return
	}
	r.startTurnLocked()
}

func (r *Room) finishLocked(winner combat.Role) {
	out := battledto.MatchOutcome{
		MatchID: r.matchID(),
		Winner:  string(winner),
		Turns:   r.turn,
	}
	rec := &cardstore.MatchRecord{
		MatchID:  out.MatchID,
		RoomCode: r.code,
		Winner:   out.Winner,
		Turns:    r.turn,
		EndedAt:  time.Now(),
	}
	for _, role := range roles {
		me, opp := r.slot(role), r.slot(role.Other())
		won := role == winner
		gain := progression.ExpGain(won, me.stats, opp.stats)
		exp := me.card.Exp + gain
		level := progression.LevelFor(exp)
		snap := battledto.CardSnapshot{
			UID:         me.card.UID,
			CharacterID: me.card.CharacterID,
			Level:       level,
			Exp:         exp,
			Wins:        me.card.Wins,
			Losses:      me.card.Losses,
		}
		if won {
			snap.Wins++
		} else {
			snap.Losses++
		}
		k := string(role)
		out.FinalHP.Set(k, me.hp)
		out.ExpGained.Set(k, gain)
		out.LevelUp.Set(k, level > me.level)
		out.Cards.Set(k, snap)
		side := cardstore.SideResult{CardUID: me.card.UID, ExpGained: gain, Won: won}
		if role == combat.RoleA {
			rec.A = side
		} else {
			rec.B = side
		}
	}

	for _, role := range roles {
		o := out
		r.notify.Notify(role, battledto.Event{Type: battledto.EventBattleEnd, Outcome: &o})
	}
	r.log.Info("battle_end",
		zap.String("match_id", out.MatchID),
		zap.String("winner", out.Winner),
		zap.Int("turns", out.Turns),
	)

	uids := r.boundCards()
	r.teardownLocked(func() {
		r.persist(rec)
		r.releaseCards(uids)
	})
}

// Leave handles a voluntary leave or a dropped connection. The other side is told and the
// room is discarded without awarding experience.
func (r *Room) Leave(role combat.Role) error {
	r.mu.Lock()
	defer r.unlock()
	if r.status == StatusFinished {
		return nil
	}
	s := r.slot(role)
	if !s.seated {
		return ErrNotSeated
	}
	s.seated = false
	if r.slot(role.Other()).seated {
		r.notify.Notify(role.Other(), battledto.Event{Type: battledto.EventOpponentDisconnected})
	}
	r.log.Info("room_leave", zap.String("role", string(role)), zap.String("status", string(r.status)), zap.Int("turn", r.turn))
	uids := r.boundCards()
	r.teardownLocked(func() { r.releaseCards(uids) })
	return nil
}

// Close discards the room silently, e.g. on process shutdown.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.unlock()
	if r.status == StatusFinished {
		return
	}
	uids := r.boundCards()
	r.teardownLocked(func() { r.releaseCards(uids) })
}

func (r *Room) boundCards() []string {
	var uids []string
	for i := range r.slots {
		if r.slots[i].card != nil {
			uids = append(uids, r.slots[i].card.UID)
		}
	}
	return uids
}

func (r *Room) stopTurnTimer() {
	if r.stopTimer != nil {
		r.stopTimer()
		r.stopTimer = nil
	}
}

// teardownLocked marks the room finished and cancels its timers. cleanup runs in
// its own goroutine once the lock is released; Done closes after it returns.
func (r *Room) teardownLocked(cleanup func()) {
	r.status = StatusFinished
	r.stopTurnTimer()
	r.cancel()
	r.settle = func() {
		if r.onDone != nil {
			r.onDone(r)
		}
		go func() {
			defer close(r.done)
			cleanup()
		}()
	}
}

func (r *Room) persist(rec *cardstore.MatchRecord) {
	if r.results == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PersistTimeout)
	defer cancel()
	if err := r.results.RecordMatch(ctx, rec); err != nil {
		r.log.Error("match_persist_error", zap.String("match_id", rec.MatchID), zap.Error(err))
		return
	}
	r.log.Info("match_persist", zap.String("match_id", rec.MatchID))
}

func (r *Room) releaseCards(uids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PersistTimeout)
	defer cancel()
	for _, uid := range uids {
		if err := r.locks.Release(ctx, uid, r.code); err != nil {
			r.log.Warn("card_release_error", zap.String("card", uid), zap.Error(err))
		}
	}
}

// refreshCards keeps the card locks alive for as long as the battle runs.
func (r *Room) refreshCards(uids []string) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.PersistTimeout)
	defer cancel()
	for _, uid := range uids {
		if err := r.locks.Refresh(ctx, uid, r.code); err != nil && ctx.Err() == nil {
			r.log.Warn("card_refresh_error", zap.String("card", uid), zap.Error(err))
		}
	}
}

// releaseAsync frees locks taken by a registration that lost a race with teardown.
func (r *Room) releaseAsync(uids []string) {
	go r.releaseCards(uids)
}

func turnResultDTO(res combat.TurnResult) battledto.TurnResult {
	return battledto.TurnResult{
		Turn:             res.Turn,
		TurnType:         string(res.TurnType),
		AttackerRole:     string(res.AttackerRole),
		AttackerAction:   string(res.AttackerAction),
		DefenderAction:   string(res.DefenderAction),
		DamageToDefender: res.DamageToDefender,
		DamageToAttacker: res.DamageToAttacker,
		ResultType:       string(res.Outcome),
		PlayerA:          battledto.SideState{HP: res.A.HP, SpecialCD: res.A.SpecialCD},
		PlayerB:          battledto.SideState{HP: res.B.HP, SpecialCD: res.B.SpecialCD},
	}
}

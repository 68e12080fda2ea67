package battledto

// Fault codes sent to clients in error events.
const (
	CodeBadRequest        = "bad_request"
	CodeRoomNotFound      = "room_not_found"
	CodeRoomFull          = "room_full"
	CodeNotInRoom         = "not_in_room"
	CodeAlreadyInRoom     = "already_in_room"
	CodeRoomClosed        = "room_closed"
	CodeNotWaiting        = "not_waiting"
	CodeAlreadyRegistered = "already_registered"
	CodeUnknownCard       = "unknown_card"
	CodeCharacterMissing  = "character_missing"
	CodeAuthFailed        = "auth_failed"
	CodeCardInUse         = "card_in_use"
	CodeNotInBattle       = "not_in_battle"
	CodeTurnLocked        = "turn_locked"
	CodeIllegalAction     = "illegal_action"
	CodeSpecialCooldown   = "special_cooldown"
	CodeActionAlreadySet  = "action_already_set"
	CodeInternal          = "internal"
)

// Fault is a protocol-level rejection. It never changes session state.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e Fault) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "battle error"
}

package battle

import "github.com/park285/nfc-card-battle/pkg/battledto"

// Protocol errors. Each is a battledto.Fault so transports can forward it as-is.
var (
	ErrRoomFull          error = battledto.Fault{Code: battledto.CodeRoomFull, Message: "room already has two players"}
	ErrRoomClosed        error = battledto.Fault{Code: battledto.CodeRoomClosed, Message: "room is closed"}
	ErrNotSeated         error = battledto.Fault{Code: battledto.CodeNotInRoom, Message: "not seated in this room"}
	ErrNotWaiting        error = battledto.Fault{Code: battledto.CodeNotWaiting, Message: "registration is closed"}
	ErrAlreadyRegistered error = battledto.Fault{Code: battledto.CodeAlreadyRegistered, Message: "card already registered for this side"}
	ErrUnknownCard       error = battledto.Fault{Code: battledto.CodeUnknownCard, Message: "card is not registered"}
	ErrCharacterMissing  error = battledto.Fault{Code: battledto.CodeCharacterMissing, Message: "card has no character assigned"}
	ErrAuthFailed        error = battledto.Fault{Code: battledto.CodeAuthFailed, Message: "card authentication failed"}
	ErrCardInUse         error = battledto.Fault{Code: battledto.CodeCardInUse, Message: "card is already in another battle"}
	ErrNotInBattle       error = battledto.Fault{Code: battledto.CodeNotInBattle, Message: "battle is not in progress"}
	ErrTurnLocked        error = battledto.Fault{Code: battledto.CodeTurnLocked, Message: "turn is already resolving"}
	ErrIllegalAction     error = battledto.Fault{Code: battledto.CodeIllegalAction, Message: "action not allowed for your role"}
	ErrSpecialOnCooldown error = battledto.Fault{Code: battledto.CodeSpecialCooldown, Message: "special is on cooldown"}
	ErrActionAlreadySet  error = battledto.Fault{Code: battledto.CodeActionAlreadySet, Message: "action already selected this turn"}
)

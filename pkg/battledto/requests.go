package battledto

type MessageType string

// Client → server (and guest → host) messages.
const (
	MsgCreateRoom   MessageType = "create_room"
	MsgJoinRoom     MessageType = "join_room"
	MsgRegisterCard MessageType = "register_card"
	MsgSelectAction MessageType = "select_action"
	MsgLeaveRoom    MessageType = "leave_room"
)

// GuestCard is the snapshot a peer guest ships with register_card, since the host
// has no access to the guest's record store.
type GuestCard struct {
	CharacterID int `json:"characterId"`
	Exp         int `json:"exp"`
	Wins        int `json:"totalWins"`
	Losses      int `json:"totalLosses"`
}

type ClientMessage struct {
	Type     MessageType `json:"type"`
	RoomCode string      `json:"roomCode,omitempty"`
	CardUID  string      `json:"cardUid,omitempty"`
	Token    string      `json:"token,omitempty"`
	Action   string      `json:"action,omitempty"`
	Card     *GuestCard  `json:"card,omitempty"`
}

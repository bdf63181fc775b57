package wire

// Client → server message types.
const (
	TypeAuthenticate   = "authenticate"
	TypeCreateSoloGame = "create-solo-game"
	TypeJoinQueue      = "join-queue"
	TypeLeaveQueue     = "leave-queue"
	TypeAttach         = "attach"
	TypeDetach         = "detach"
	TypeAction         = "action"
	TypeResign         = "resign"
)

// Server → client message types.
const (
	TypeAuthenticated = "authenticated"
	TypeGameCreated   = "game-created"
	TypeQueuePosition = "queue-position"
	TypeMatched       = "matched"
	TypeState         = "state"
	TypeError         = "error"
)

// ActionKind distinguishes the two halves of a ban chess turn.
type ActionKind string

const (
	ActionBan  ActionKind = "ban"
	ActionMove ActionKind = "move"
)

// Action is a single ban or move payload in UCI coordinates.
type Action struct {
	Kind ActionKind `json:"kind"`
	UCI  string     `json:"uci"`
}

// Preferences selects a matchmaking pool. Entries only pair within the
// same preference class.
type Preferences struct {
	TimeControl string `json:"timeControl,omitempty"`
}

// ClientMessage is the envelope for everything a client sends.
type ClientMessage struct {
	Type string `json:"type"`

	// authenticate
	Token string `json:"token,omitempty"`
	Name  string `json:"name,omitempty"`

	// join-queue
	Preferences *Preferences `json:"preferences,omitempty"`

	// attach / action / resign
	SessionID string  `json:"sessionId,omitempty"`
	Action    *Action `json:"action,omitempty"`
}

// ServerMessage is the envelope for everything the server sends.
type ServerMessage struct {
	Type string `json:"type"`

	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	Color     string `json:"color,omitempty"`
	Position  int    `json:"position,omitempty"`

	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Error    *Error    `json:"error,omitempty"`
}

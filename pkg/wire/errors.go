package wire

// Error codes, grouped by the boundary that rejects the message.
const (
	// protocol errors: connection-local, session state untouched
	CodeBadMessage      = "bad_message"
	CodeUnauthenticated = "unauthenticated"
	CodeAuthFailed      = "auth_failed"

	// legality errors: reported to the sender only
	CodeNotYourTurn   = "not_your_turn"
	CodeWrongPhase    = "wrong_phase"
	CodeIllegalAction = "illegal_action"
	CodeGameFinished  = "game_finished"
	CodeNotActive     = "session_not_active"

	// attachment errors
	CodeSessionNotFound = "session_not_found"
	CodeSeatTaken       = "seat_taken"
	CodeAlreadyAttached = "already_attached"
	CodeNotAttached     = "not_attached"

	// matchmaking
	CodeAlreadyQueued  = "already_queued"
	CodeAlreadyMatched = "already_matched"
	CodeNotQueued      = "not_queued"

	CodeInternal = "internal"
)

// Error is the typed rejection sent to the offending client only.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

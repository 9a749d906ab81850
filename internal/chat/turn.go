package chat

import "time"

type Direction string

const (
	DirectionUser     Direction = "user"
	DirectionOperator Direction = "operator"
	DirectionAI       Direction = "ai"
)

// Turn is one relayed chat message.
type Turn struct {
	SessionID string
	Message   string
	Direction Direction
	Timestamp time.Time
}

// providerRole maps a stored direction onto the role the model expects.
// Operator replies read as assistant turns.
func (d Direction) providerRole() string {
	if d == DirectionUser {
		return "user"
	}
	return "assistant"
}

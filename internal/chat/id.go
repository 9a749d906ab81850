package chat

import "github.com/suPer8Hu/chat-relay/internal/common"

func NewSessionID() (string, error) {
	return common.NewULID()
}

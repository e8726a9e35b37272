package subscription

import (
	"github.com/bwmarrin/snowflake"

	"github.com/hitoshi/tenkibot/internal/model"
)

// ValidateUserID はDiscordのユーザーID（snowflake）として妥当かを検証する。
func ValidateUserID(userID string) error {
	if len(userID) < 15 || len(userID) > 20 {
		return model.NewInvalidUserIDError(userID)
	}
	id, err := snowflake.ParseString(userID)
	if err != nil || id.Int64() <= 0 {
		return model.NewInvalidUserIDError(userID)
	}
	return nil
}

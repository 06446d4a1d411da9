package handlers

import "fmt"

// validateRoomCode はルームコードのバリデーションを行います
func validateRoomCode(code string) error {
	if normalizeID(code) == "" {
		return fmt.Errorf("roomCode required")
	}
	return nil
}

// validateUserId はユーザーIDのバリデーションを行います
func validateUserId(userId string) error {
	if normalizeID(userId) == "" {
		return fmt.Errorf("userId required")
	}
	return nil
}

package utils

import "github.com/google/uuid"

// GetToken returns a random token, used for upload IDs and object keys.
func GetToken() string {
	return uuid.NewString()
}

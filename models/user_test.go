package models

import (
	"encoding/json"
	"testing"

	"bitbucket.org/mmdatafocus/fleet_backend/utils"
)

// A User that went through the redis object cache loses its password hash,
// so a cached copy can never satisfy a credential check.
func TestUserJSONRoundTripDropsPasswordHash(t *testing.T) {
	hash, err := utils.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := User{Username: "driver7", Password: string(hash)}

	raw, err := json.Marshal(&u)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var cached User
	if err := json.Unmarshal(raw, &cached); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if cached.Password != "" {
		t.Fatalf("cached user still carries a password hash: %q", cached.Password)
	}
	if err := utils.ComparePassword(cached.Password, "correct-horse"); err == nil {
		t.Fatalf("empty stored hash verified a password; it must always be rejected")
	}
}

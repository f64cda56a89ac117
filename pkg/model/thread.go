package model

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// NewThreadID derives a stable thread identifier from a user and session so
// that reopening the same session resumes the same thread.
func NewThreadID(userID, sessionID string) ThreadID {
	sum := blake3.Sum256([]byte(userID + ":" + sessionID))
	return ThreadID("thread_" + hex.EncodeToString(sum[:])[:16])
}

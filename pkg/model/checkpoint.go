package model

import "time"

type ThreadID string

// Checkpoint is an immutable snapshot of conversation state at a point in a thread.
type Checkpoint struct {
	ThreadID  ThreadID  `json:"thread_id" firestore:"thread_id"`
	Seq       uint64    `json:"seq" firestore:"seq"`
	State     StateBlob `json:"state" firestore:"state"`
	CreatedAt time.Time `json:"created_at" firestore:"created_at"`
}

// StateBlob is an opaque serialized agent state. Schema names the producer's
// format and version (e.g. "chat.gemini/v1") so that readers can reject
// payloads they do not understand.
type StateBlob struct {
	Schema string `json:"schema" firestore:"schema"`
	Data   []byte `json:"data" firestore:"data"`
}

package chat

import (
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/utils/codec"
	"google.golang.org/genai"
)

// StateSchema tags checkpoints written by Session
const StateSchema = "chat.gemini/v1"

// State is the conversation state saved after every step
type State struct {
	Contents []*genai.Content `json:"contents"`
	// Steps counts reasoning steps across all turns of the thread
	Steps int `json:"steps"`
	// Compacted is the number of times older contents were replaced by a summary
	Compacted int `json:"compacted,omitempty"`
}

func (s *State) clone() *State {
	return &State{
		Contents:  append([]*genai.Content(nil), s.Contents...),
		Steps:     s.Steps,
		Compacted: s.Compacted,
	}
}

// EncodeState serializes s into a versioned blob
func EncodeState(s *State, c codec.Compression) (model.StateBlob, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return model.StateBlob{}, goerr.Wrap(err, "failed to marshal chat state")
	}

	data, err := codec.Seal(StateSchema, raw, c)
	if err != nil {
		return model.StateBlob{}, err
	}
	return model.StateBlob{Schema: StateSchema, Data: data}, nil
}

// DecodeState restores a State from a blob written by EncodeState
func DecodeState(blob model.StateBlob) (*State, error) {
	if blob.Schema != StateSchema {
		return nil, goerr.Wrap(codec.ErrSchemaMismatch, "not a chat checkpoint",
			goerr.V("schema", blob.Schema))
	}

	raw, err := codec.OpenAs(blob.Data, StateSchema)
	if err != nil {
		return nil, err
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal chat state")
	}
	return &s, nil
}

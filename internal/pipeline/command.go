package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command types accepted over the comm channel.
const (
	CommandUpdate  = "update_pipeline"
	CommandArchive = "archive_pipeline"
)

// ErrUnknownCommand marks inbound messages that are not pipeline commands;
// callers skip them rather than treating them as failures.
var ErrUnknownCommand = errors.New("unknown command")

// Command is the JSON shape of a remote reconfiguration message.
type Command struct {
	Type     string    `json:"type"`
	Pipeline *Pipeline `json:"pipeline,omitempty"`
	Name     string    `json:"name,omitempty"`
}

// HandleCommand applies one inbound message to the store. Malformed JSON and
// invalid pipelines return errors; message types this store does not own
// return ErrUnknownCommand.
func (s *Store) HandleCommand(data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Type {
	case CommandUpdate:
		if cmd.Pipeline == nil {
			return fmt.Errorf("%s command without pipeline", CommandUpdate)
		}
		return s.Apply(cmd.Pipeline)
	case CommandArchive:
		if cmd.Name == "" {
			return fmt.Errorf("%s command without name", CommandArchive)
		}
		if !s.Archive(cmd.Name) {
			return fmt.Errorf("%s: no pipeline named %q", CommandArchive, cmd.Name)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

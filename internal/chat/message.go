package chat

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/MistApproach/callm/internal/errs"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if err := r.Validate(); err != nil {
		return "", err
	}
	return r, nil
}

func (r Role) Validate() error {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return nil
	}
	return errs.E(errs.KindTemplate, "chat", fmt.Errorf("%w: %q", errs.ErrInvalidRole, string(r)))
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// LoadMessages reads a JSON file that is either a messages array or an
// object with a "messages" field.
func LoadMessages(path string) ([]Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.E(errs.KindTemplate, "chat.LoadMessages", err)
	}
	return ParseMessages(raw)
}

func ParseMessages(raw []byte) ([]Message, error) {
	const op = "chat.ParseMessages"
	var wrapped struct {
		Messages []Message `json:"messages"`
	}
	var msgs []Message
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, errs.E(errs.KindTemplate, op, fmt.Errorf("parse messages json: %w", err))
		}
	case strings.HasPrefix(trimmed, "{"):
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, errs.E(errs.KindTemplate, op, fmt.Errorf("parse messages json: %w", err))
		}
		if wrapped.Messages == nil {
			return nil, errs.Errorf(errs.KindTemplate, op, "messages json object missing \"messages\" field")
		}
		msgs = wrapped.Messages
	default:
		return nil, errs.Errorf(errs.KindTemplate, op, "messages json must be array or object")
	}
	for i := range msgs {
		role, err := ParseRole(string(msgs[i].Role))
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msgs[i].Role = role
	}
	return msgs, nil
}

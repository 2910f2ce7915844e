package security

import (
	"encoding/json"
	"fmt"
)

type ValidationConfig struct {
	MaxMessageSize int
	AllowedTypes   map[string]bool
	RequiredFields map[string][]string
	// TypeField names the message type key in object frames; "type" when
	// empty. Type checks only run when AllowedTypes is set.
	TypeField string
}

type messageValidator struct {
	config ValidationConfig
}

func NewMessageValidator(config ValidationConfig) MessageValidator {
	return &messageValidator{config: config}
}

func (mv *messageValidator) ValidateMessage(message []byte) error {
	if mv.config.MaxMessageSize > 0 && len(message) > mv.config.MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max: %d)",
			len(message), mv.config.MaxMessageSize)
	}

	if len(mv.config.AllowedTypes) == 0 {
		if !json.Valid(message) {
			return fmt.Errorf("invalid JSON frame")
		}
		return nil
	}

	var baseMsg map[string]interface{}
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	typeField := mv.config.TypeField
	if typeField == "" {
		typeField = "type"
	}

	msgType, ok := baseMsg[typeField].(string)
	if !ok {
		return fmt.Errorf("missing or invalid message %s field", typeField)
	}

	if !mv.config.AllowedTypes[msgType] {
		return fmt.Errorf("invalid message type: %s", msgType)
	}

	if requiredFields, exists := mv.config.RequiredFields[msgType]; exists {
		for _, field := range requiredFields {
			if _, exists := baseMsg[field]; !exists {
				return fmt.Errorf("missing required field '%s' for type '%s'", field, msgType)
			}
		}
	}

	return nil
}

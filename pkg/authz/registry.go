// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"encoding/json"
	"fmt"
	"sync"
)

// GateFactory is the interface evaluator implementations satisfy to
// register themselves with the gate registry. Each evaluator type
// (claims matching, Cedar) provides validation and instantiation from
// its specific configuration format.
type GateFactory interface {
	// ValidateConfig validates the evaluator-specific configuration.
	// rawConfig is the JSON-encoded gate configuration.
	ValidateConfig(rawConfig json.RawMessage) error

	// CreateGate creates a Gate instance from the configuration.
	CreateGate(rawConfig json.RawMessage) (Gate, error)
}

// registry holds the registered gate factories, keyed by config type.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]GateFactory)
)

// Register registers a GateFactory for the given config type. This is
// called from an init() function in each evaluator's file. It panics if
// a factory is already registered for the type.
func Register(configType string, factory GateFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[configType]; exists {
		panic(fmt.Sprintf("gate factory already registered for type: %s", configType))
	}
	registry[configType] = factory
}

// GetFactory returns the GateFactory for the given config type, or nil
// when none is registered.
func GetFactory(configType string) GateFactory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	return registry[configType]
}

// RegisteredTypes returns all registered config types.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}

// Config is the generic gate configuration envelope: a version, the
// evaluator type, and the type-specific body kept raw for the factory.
type Config struct {
	Version string `json:"version"`
	Type    string `json:"type"`

	raw json.RawMessage
}

// UnmarshalJSON keeps the full raw document alongside the envelope
// fields so factories can decode their own sections.
func (c *Config) UnmarshalJSON(data []byte) error {
	type envelope struct {
		Version string `json:"version"`
		Type    string `json:"type"`
	}
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	c.Version = e.Version
	c.Type = e.Type
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}

// RawConfig returns the full raw configuration document.
func (c *Config) RawConfig() json.RawMessage {
	return c.raw
}

// CreateGate instantiates the configured evaluator through its
// registered factory.
func (c *Config) CreateGate() (Gate, error) {
	factory := GetFactory(c.Type)
	if factory == nil {
		return nil, fmt.Errorf("unknown gate type: %q (registered: %v)", c.Type, RegisteredTypes())
	}
	if err := factory.ValidateConfig(c.raw); err != nil {
		return nil, fmt.Errorf("invalid %s gate configuration: %w", c.Type, err)
	}
	return factory.CreateGate(c.raw)
}

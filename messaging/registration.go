// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/agentbridge/lib/secret"
)

// Registration is the appservice registration shared with the
// homeserver. The same file is loaded by both sides: the homeserver
// learns the bridge's URL and namespaces, the bridge learns the two
// tokens.
//
// The tokens are held in secret.Buffers (locked against swap, excluded
// from core dumps). Call Close when the registration is no longer
// needed.
type Registration struct {
	// ID uniquely identifies this appservice to the homeserver.
	ID string

	// URL is where the homeserver pushes transactions.
	URL string

	// SenderLocalpart is the localpart of the bridge's own bot user.
	SenderLocalpart string

	// ASToken authenticates the bridge's requests to the homeserver.
	ASToken *secret.Buffer

	// HSToken authenticates the homeserver's pushes to the bridge.
	HSToken *secret.Buffer

	// Namespaces declares which users and aliases the bridge claims.
	Namespaces Namespaces
}

// Namespaces declares the user and alias patterns an appservice
// controls.
type Namespaces struct {
	Users   []Namespace `yaml:"users"`
	Aliases []Namespace `yaml:"aliases"`
	Rooms   []Namespace `yaml:"rooms"`
}

// Namespace is a single claimed pattern.
type Namespace struct {
	// Exclusive means no other user may register IDs matching Regex.
	Exclusive bool `yaml:"exclusive"`
	// Regex matches the full Matrix ID (e.g., "@agent_.*:bridge.local").
	Regex string `yaml:"regex"`
}

// registrationFile is the on-disk YAML shape. Tokens are moved into
// secret buffers immediately after parsing.
type registrationFile struct {
	ID              string     `yaml:"id"`
	URL             string     `yaml:"url"`
	ASToken         string     `yaml:"as_token"`
	HSToken         string     `yaml:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart"`
	Namespaces      Namespaces `yaml:"namespaces"`
}

// LoadRegistration reads and parses an appservice registration YAML
// file. The token strings pass through the heap briefly during YAML
// parsing; the durable copies live in mmap-backed buffers.
func LoadRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("messaging: reading registration: %w", err)
	}
	defer secret.Zero(data)

	var parsed registrationFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("messaging: parsing registration %s: %w", path, err)
	}

	if parsed.ASToken == "" {
		return nil, fmt.Errorf("messaging: registration %s: as_token is required", path)
	}
	if parsed.HSToken == "" {
		return nil, fmt.Errorf("messaging: registration %s: hs_token is required", path)
	}
	if parsed.SenderLocalpart == "" {
		return nil, fmt.Errorf("messaging: registration %s: sender_localpart is required", path)
	}

	asToken, err := secret.NewFromString(parsed.ASToken)
	if err != nil {
		return nil, fmt.Errorf("messaging: protecting as_token: %w", err)
	}
	hsToken, err := secret.NewFromString(parsed.HSToken)
	if err != nil {
		asToken.Close()
		return nil, fmt.Errorf("messaging: protecting hs_token: %w", err)
	}

	return &Registration{
		ID:              parsed.ID,
		URL:             parsed.URL,
		SenderLocalpart: parsed.SenderLocalpart,
		ASToken:         asToken,
		HSToken:         hsToken,
		Namespaces:      parsed.Namespaces,
	}, nil
}

// Close releases the token buffers. Idempotent.
func (r *Registration) Close() error {
	var firstError error
	if r.ASToken != nil {
		if err := r.ASToken.Close(); err != nil && firstError == nil {
			firstError = err
		}
	}
	if r.HSToken != nil {
		if err := r.HSToken.Close(); err != nil && firstError == nil {
			firstError = err
		}
	}
	return firstError
}

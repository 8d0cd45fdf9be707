/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package session

import (
	"fmt"

	"github.com/corbel-im/corbel/xmpp/jid"
)

// Config represents an XMPP session configuration.
type Config struct {
	// JID defines the session authentication JID.
	JID *jid.JID

	// AuthorizationID defines an optional authorization identity,
	// a bare JID.
	AuthorizationID *jid.JID

	// Resource suggests an XMPP resource to the server during
	// resource binding. When empty the server picks one.
	Resource string

	// SASLMechanisms lists the preferred SASL mechanisms, in order.
	// Defaults to SCRAM-SHA-1.
	SASLMechanisms []string
}

type configProxy struct {
	JID             string   `yaml:"jid"`
	AuthorizationID string   `yaml:"authorization_id"`
	Resource        string   `yaml:"resource"`
	SASLMechanisms  []string `yaml:"sasl_mechanisms"`
}

// UnmarshalYAML satisfies Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	p := configProxy{}
	if err := unmarshal(&p); err != nil {
		return err
	}
	sessionJID, err := jid.NewWithString(p.JID)
	if err != nil {
		return fmt.Errorf("session.Config: %v", err)
	}
	if sessionJID.IsEmpty() || len(sessionJID.Domain()) == 0 {
		return fmt.Errorf("session.Config: jid is required")
	}
	c.JID = sessionJID
	if len(p.AuthorizationID) > 0 {
		authzJID, err := jid.NewWithString(p.AuthorizationID)
		if err != nil {
			return fmt.Errorf("session.Config: %v", err)
		}
		c.AuthorizationID = authzJID.ToBareJID()
	}
	c.Resource = p.Resource
	c.SASLMechanisms = p.SASLMechanisms
	return nil
}

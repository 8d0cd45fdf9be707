/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package corbel

import (
	"io/ioutil"

	"github.com/corbel-im/corbel/log"
	"github.com/corbel-im/corbel/session"
	"gopkg.in/yaml.v2"
)

// Config represents a global configuration.
type Config struct {
	Log     log.Config     `yaml:"log"`
	Session session.Config `yaml:"session"`
}

// FromFile loads default global configuration from a specified file.
func (cfg *Config) FromFile(configFile string) error {
	b, err := ioutil.ReadFile(configFile)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, cfg)
}

// FromBuffer loads default global configuration from a specified byte buffer.
func (cfg *Config) FromBuffer(buf []byte) error {
	return yaml.Unmarshal(buf, cfg)
}

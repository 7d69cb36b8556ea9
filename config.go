// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqttwss

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the subset of ConnectParams and transport tuning an
// embedder can express as a YAML document, for the common case of
// loading broker settings from a config file rather than building
// ConnectParams by hand. It is a library-level convenience, not a
// command-line configuration loader.
type FileConfig struct {
	Host         string        `yaml:"host"`
	Port         uint16        `yaml:"port"`
	ClientID     string        `yaml:"client_id"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	CleanSession bool          `yaml:"clean_session"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
	WSPath       string        `yaml:"ws_path"`
	InsecureTLS  bool          `yaml:"insecure_tls"`
}

// ParseFileConfig unmarshals a YAML document into a FileConfig.
func ParseFileConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("mqttwss: parse config: %w", err)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: config missing host", ErrParam)
	}
	return &cfg, nil
}

// ConnectParams renders the file config's connection fields as a
// ConnectParams value for use with Client.Connect.
func (f *FileConfig) ConnectParams() ConnectParams {
	return ConnectParams{
		ClientID:     f.ClientID,
		CleanSession: f.CleanSession,
		KeepAlive:    uint16(f.KeepAlive / time.Second),
		Username:     f.Username,
		Password:     []byte(f.Password),
	}
}

// Options renders the file config's transport fields as Client Options.
func (f *FileConfig) Options() []Option {
	var opts []Option
	if f.WSPath != "" {
		opts = append(opts, WithWSPath(f.WSPath))
	}
	if f.InsecureTLS {
		opts = append(opts, WithInsecureSkipVerify())
	}
	return opts
}

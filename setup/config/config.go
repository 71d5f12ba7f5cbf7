// Copyright 2017 Vector Creations Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
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

// Package config holds the operator-facing YAML configuration (spec.md
// §6), grounded on the teacher's setup/config package naming convention
// (config.Global/config.FederationAPI/config.ClientAPI sub-structs loaded
// from one YAML document).
package config

import (
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ed25519"
	"gopkg.in/yaml.v2"
)

// Global holds settings shared by every component: this server's own
// identity and where its data lives.
type Global struct {
	ServerName     string `yaml:"server_name"`
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	DatabasePath   string `yaml:"database_path"`
}

// FederationAPI holds the federation sender/receiver's own tunables.
type FederationAPI struct {
	ListenAddress       string   `yaml:"listen_address"`
	TrustedNotaryServers []string `yaml:"trusted_notary_servers"`
	DisableTLSValidation bool    `yaml:"disable_tls_validation"`
	KeyValidityPeriod   time.Duration `yaml:"key_validity_period"`
	IPRangeDenylist     []string `yaml:"ip_range_denylist"`
}

// ClientAPI holds the client-facing listener's own tunables.
type ClientAPI struct {
	ListenAddress         string `yaml:"listen_address"`
	RegistrationDisabled  bool   `yaml:"registration_disabled"`
	RateLimitBase         time.Duration `yaml:"rate_limit_base"`
	RateLimitCap          time.Duration `yaml:"rate_limit_cap"`
}

// PushAPI holds the push-gateway dispatcher's own tunables.
type PushAPI struct {
	GatewayIPRangeDenylist []string `yaml:"gateway_ip_range_denylist"`
}

// RoomServer holds the roomserver ingestion pipeline's own tunables.
type RoomServer struct {
	MaxFetchPrevEvents int `yaml:"max_fetch_prev_events"`
	FetchFanout        int `yaml:"fetch_fanout"`
}

// AppServiceNamespace mirrors one registered namespace entry from an
// application service's registration YAML.
type AppServiceNamespace struct {
	Exclusive bool   `yaml:"exclusive"`
	Regex     string `yaml:"regex"`
}

// AppService is one registered application service.
type AppService struct {
	ID              string                `yaml:"id"`
	URL             string                `yaml:"url"`
	HSToken         string                `yaml:"hs_token"`
	SenderLocalpart string                `yaml:"sender_localpart"`
	RoomNamespaces  []AppServiceNamespace `yaml:"room_namespaces"`
	UserNamespaces  []AppServiceNamespace `yaml:"user_namespaces"`
}

// Dendrite is the top-level config document.
type Dendrite struct {
	Global        Global        `yaml:"global"`
	FederationAPI FederationAPI `yaml:"federation_api"`
	ClientAPI     ClientAPI     `yaml:"client_api"`
	PushAPI       PushAPI       `yaml:"push_api"`
	RoomServer    RoomServer    `yaml:"room_server"`
	AppServices   []AppService  `yaml:"app_services"`
}

// Load reads and parses a Dendrite config document from path, applying
// the same defaults spec.md §6 lists for any field left unset.
func Load(path string) (*Dendrite, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	var cfg Dendrite
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Dendrite) applyDefaults() {
	if c.FederationAPI.ListenAddress == "" {
		c.FederationAPI.ListenAddress = ":8448"
	}
	if c.ClientAPI.ListenAddress == "" {
		c.ClientAPI.ListenAddress = ":8008"
	}
	if c.FederationAPI.KeyValidityPeriod == 0 {
		c.FederationAPI.KeyValidityPeriod = 24 * time.Hour
	}
	if c.ClientAPI.RateLimitBase == 0 {
		c.ClientAPI.RateLimitBase = 5 * time.Second
	}
	if c.ClientAPI.RateLimitCap == 0 {
		c.ClientAPI.RateLimitCap = time.Hour
	}
	if c.RoomServer.MaxFetchPrevEvents == 0 {
		c.RoomServer.MaxFetchPrevEvents = 100
	}
	if c.RoomServer.FetchFanout == 0 {
		c.RoomServer.FetchFanout = 8
	}
	if c.Global.DatabasePath == "" {
		c.Global.DatabasePath = "homeserver.db"
	}
}

// LoadPrivateKey reads the PEM-encoded Ed25519 seed at path (written by
// matrix-org/util-style key generation tooling) and returns the expanded
// private key.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.LoadPrivateKey: %w", err)
	}
	block, _ := pem.Decode(raw)
	var seed []byte
	if block != nil {
		seed = block.Bytes
	} else {
		decoded, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if derr != nil {
			return nil, fmt.Errorf("config.LoadPrivateKey: %s is neither PEM nor base64", path)
		}
		seed = decoded
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("config.LoadPrivateKey: expected a %d-byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

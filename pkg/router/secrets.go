// Copyright 2026 Quantweave
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package router

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// SecretStore resolves the API secret for a key id.
type SecretStore interface {
	Get(keyID string) (string, error)
}

// keyringService namespaces our entries in the OS keyring.
const keyringService = "quantweave"

// NewSecretStore selects a backend by SECRET_STORE_TYPE: "env"
// (default) or "keyring".
func NewSecretStore(storeType string) (SecretStore, error) {
	switch strings.ToLower(storeType) {
	case "", "env":
		return EnvSecretStore{}, nil
	case "keyring":
		return KeyringSecretStore{}, nil
	default:
		return nil, fmt.Errorf("unknown secret store type %q (supported: env, keyring)", storeType)
	}
}

// EnvSecretStore reads API_KEY_{KEY_ID} from the environment.
type EnvSecretStore struct{}

// Get implements SecretStore.
func (EnvSecretStore) Get(keyID string) (string, error) {
	name := "API_KEY_" + strings.ToUpper(strings.ReplaceAll(keyID, "-", "_"))
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}

// KeyringSecretStore reads secrets from the OS keyring under the
// quantweave service.
type KeyringSecretStore struct{}

// Get implements SecretStore.
func (KeyringSecretStore) Get(keyID string) (string, error) {
	secret, err := keyring.Get(keyringService, keyID)
	if err != nil {
		return "", fmt.Errorf("keyring lookup for %s: %w", keyID, err)
	}
	return secret, nil
}

// StaticSecretStore serves a fixed map, for tests and local setups.
type StaticSecretStore map[string]string

// Get implements SecretStore.
func (s StaticSecretStore) Get(keyID string) (string, error) {
	v, ok := s[keyID]
	if !ok {
		return "", fmt.Errorf("no secret for key %s", keyID)
	}
	return v, nil
}

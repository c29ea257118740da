// Copyright 2024-2026 The Strand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config_test

import (
	"testing"

	"github.com/strandproxy/strand/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *config.Config {
	return &config.Config{
		Frontends: []config.Frontend{{
			Name:           "fe",
			Bind:           []string{"0.0.0.0:8080"},
			DefaultBackend: "be",
		}},
		Backends: []config.Backend{{
			Name: "be",
			Servers: []config.Server{
				{Name: "s1", Addr: "10.0.0.1:80"},
			},
		}},
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()

	require.NoError(t, validConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no frontend", func(c *config.Config) { c.Frontends = nil }},
		{"no backend", func(c *config.Config) { c.Backends = nil }},
		{"no bind", func(c *config.Config) { c.Frontends[0].Bind = nil }},
		{"unknown default backend", func(c *config.Config) { c.Frontends[0].DefaultBackend = "ghost" }},
		{"duplicate backend", func(c *config.Config) { c.Backends = append(c.Backends, c.Backends[0]) }},
		{"weight out of range", func(c *config.Config) { c.Backends[0].Servers[0].Weight = 300 }},
		{"server without address", func(c *config.Config) { c.Backends[0].Servers[0].Addr = "" }},
		{"switch rule to unknown backend", func(c *config.Config) {
			c.Frontends[0].SwitchRules = []config.SwitchRule{{Backend: "ghost"}}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

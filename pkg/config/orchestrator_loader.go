// Copyright 2025 Kadir Pekel
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

package config

import (
	"context"
	"fmt"

	"github.com/kadirpekel/hephaestus/pkg/config/provider"
	"github.com/mitchellh/mapstructure"
)

// OrchestratorLoader loads and watches an OrchestratorConfig: file (or
// Consul/etcd/ZooKeeper) provider, ${VAR} env expansion, mapstructure
// decoding, then SetDefaults+Validate.
type OrchestratorLoader struct {
	provider provider.Provider
	onChange func(*OrchestratorConfig)
}

// OrchestratorLoaderOption configures an OrchestratorLoader.
type OrchestratorLoaderOption func(*OrchestratorLoader)

// WithOrchestratorOnChange sets a callback invoked when config changes.
func WithOrchestratorOnChange(fn func(*OrchestratorConfig)) OrchestratorLoaderOption {
	return func(l *OrchestratorLoader) { l.onChange = fn }
}

// NewOrchestratorLoader creates an OrchestratorLoader over p.
func NewOrchestratorLoader(p provider.Provider, opts ...OrchestratorLoaderOption) *OrchestratorLoader {
	l := &OrchestratorLoader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads, parses, and validates the orchestrator configuration.
func (l *OrchestratorLoader) Load(ctx context.Context) (*OrchestratorConfig, error) {
	data, err := l.provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	rawMap, err := parseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	expandedMap := expandEnvVars(rawMap)

	cfg := &OrchestratorConfig{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(expandedMap); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Watch starts watching for config changes, calling onChange on every
// successful reload. Blocks until ctx is cancelled.
func (l *OrchestratorLoader) Watch(ctx context.Context) error {
	changes, err := l.provider.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}
	if changes == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			cfg, err := l.Load(ctx)
			if err != nil {
				continue
			}
			if l.onChange != nil {
				l.onChange(cfg)
			}
		}
	}
}

// Close releases resources held by the loader.
func (l *OrchestratorLoader) Close() error {
	return l.provider.Close()
}

// LoadOrchestratorConfigFile loads an OrchestratorConfig from a YAML/JSON
// file path.
func LoadOrchestratorConfigFile(ctx context.Context, path string) (*OrchestratorConfig, *OrchestratorLoader, error) {
	p, err := provider.New(provider.ProviderConfig{Type: provider.TypeFile, Path: path})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create provider: %w", err)
	}
	loader := NewOrchestratorLoader(p)
	cfg, err := loader.Load(ctx)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return cfg, loader, nil
}

// Copyright 2025 Opula
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

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pc099/opula-sub000/shared/logger"
	"github.com/pc099/opula-sub000/shared/types"
)

// LoadAgentConfigs reads every YAML agent configuration (*.yaml, *.yml) from
// dir. Files that fail to parse or validate are skipped with a log line so
// one bad file cannot block the rest of the bootstrap.
func LoadAgentConfigs(dir string) ([]types.AgentConfig, error) {
	if dir == "" {
		return nil, fmt.Errorf("agent config directory not set")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("agent config directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("agent config path %s is not a directory", dir)
	}

	log := logger.New("agent-config")
	var configs []types.AgentConfig

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.ErrorWith("skipping unreadable agent config", err,
				map[string]interface{}{"path": path})
			return nil
		}

		var config types.AgentConfig
		if err := yaml.Unmarshal(data, &config); err != nil {
			log.ErrorWith("skipping invalid agent config", err,
				map[string]interface{}{"path": path})
			return nil
		}
		if err := validateAgentConfig(&config); err != nil {
			log.ErrorWith("skipping agent config that failed validation", err,
				map[string]interface{}{"path": path})
			return nil
		}

		configs = append(configs, config)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk agent config directory: %w", err)
	}

	log.Info("agent configs loaded", map[string]interface{}{
		"dir":   dir,
		"count": len(configs),
	})
	return configs, nil
}

// validateAgentConfig checks required fields and enum values.
func validateAgentConfig(config *types.AgentConfig) error {
	if config.ID == "" {
		return fmt.Errorf("agent config missing id")
	}
	if config.Name == "" {
		return fmt.Errorf("agent config %s missing name", config.ID)
	}
	switch config.Type {
	case types.AgentTerraform, types.AgentKubernetes,
		types.AgentIncidentResponse, types.AgentCostOptimization:
	default:
		return fmt.Errorf("agent config %s has unknown type %q", config.ID, config.Type)
	}
	switch config.AutomationLevel {
	case types.AutomationManual, types.AutomationSemiAuto, types.AutomationFullAuto:
	case "":
		config.AutomationLevel = types.AutomationManual
	default:
		return fmt.Errorf("agent config %s has unknown automation level %q",
			config.ID, config.AutomationLevel)
	}
	return nil
}

// BootstrapAgents registers every enabled config from dir with the
// orchestrator. Registration failures (duplicate ids) are logged and
// skipped.
func (o *Orchestrator) BootstrapAgents(ctx context.Context, dir string) error {
	configs, err := LoadAgentConfigs(dir)
	if err != nil {
		return err
	}
	for _, config := range configs {
		if !config.Enabled {
			o.log.Info("skipping disabled agent config", map[string]interface{}{
				"agent_id": config.ID,
			})
			continue
		}
		if _, err := o.RegisterAgent(ctx, config); err != nil {
			o.log.ErrorWith("failed to register bootstrapped agent", err,
				map[string]interface{}{"agent_id": config.ID})
		}
	}
	return nil
}

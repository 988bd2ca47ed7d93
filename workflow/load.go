package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openagency/conductor/core"
)

// LoadDefinition reads a workflow definition from a YAML or JSON file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}

	var def Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse workflow JSON: %w", err)
		}
	}

	if err := validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitions reads every definition under a directory.
func LoadDefinitions(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func validate(def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("workflow id is required: %w", core.ErrInvalidConfiguration)
	}
	if len(def.Tasks) == 0 {
		return fmt.Errorf("workflow %q has no tasks: %w", def.ID, core.ErrInvalidConfiguration)
	}

	ids := make(map[string]bool, len(def.Tasks))
	for _, task := range def.Tasks {
		if task.ID == "" {
			return fmt.Errorf("workflow %q: task id is required: %w", def.ID, core.ErrInvalidConfiguration)
		}
		if ids[task.ID] {
			return fmt.Errorf("workflow %q: duplicate task id %q: %w", def.ID, task.ID, core.ErrInvalidConfiguration)
		}
		ids[task.ID] = true

		switch task.Type {
		case TaskAgentCall, TaskHTTPRequest, TaskConditional, TaskParallel:
		default:
			return fmt.Errorf("workflow %q: task %q has unknown type %q: %w",
				def.ID, task.ID, task.Type, core.ErrInvalidConfiguration)
		}
	}

	for _, task := range def.Tasks {
		for _, ref := range []string{task.NextTask, task.Then, task.Else} {
			if ref != "" && !ids[ref] {
				return fmt.Errorf("workflow %q: task %q references unknown task %q: %w",
					def.ID, task.ID, ref, core.ErrInvalidConfiguration)
			}
		}
	}
	return nil
}

package dag

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/validation"
)

// Definition is the YAML form of a DAG.
type Definition struct {
	ID    string    `yaml:"id" validate:"required,identifier"`
	Name  string    `yaml:"name,omitempty"`
	Tasks []TaskDef `yaml:"tasks" validate:"required,min=1,dive"`
}

// TaskDef is the YAML form of a Task.
type TaskDef struct {
	ID        string         `yaml:"id" validate:"required,identifier"`
	Name      string         `yaml:"name,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty"`
	Handler   string         `yaml:"handler" validate:"required"`
	Params    map[string]any `yaml:"params,omitempty"`
	Critical  bool           `yaml:"critical,omitempty"`
	Timeout   time.Duration  `yaml:"timeout,omitempty" validate:"gte=0"`
	Branches  []Branch       `yaml:"branches,omitempty"`
}

// DefinitionLoader loads definitions by name.
type DefinitionLoader interface {
	Load(name string) (*Definition, error)
}

// FileLoader loads definitions from YAML files on disk.
type FileLoader struct {
	dirs []string
}

// NewFileLoader creates a loader that searches dirs for {name}.yaml and {name}.yml.
func NewFileLoader(dirs ...string) *FileLoader {
	return &FileLoader{dirs: dirs}
}

// Load searches the configured directories, one level of subdirectories deep.
func (l *FileLoader) Load(name string) (*Definition, error) {
	for _, dir := range l.dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, name+ext)
			if _, err := os.Stat(path); err == nil {
				return LoadDefinition(path)
			}

			matches, _ := filepath.Glob(filepath.Join(dir, "*", name+ext))
			if len(matches) > 0 {
				return LoadDefinition(matches[0])
			}
		}
	}
	return nil, errors.NotFound("dag definition", name).WithDetail("dirs", l.dirs)
}

// LoadDefinition reads and validates a definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("dag definition", path)
		}
		return nil, errors.Internal(fmt.Errorf("dag: reading %s: %w", path, err))
	}
	def, err := ParseDefinition(data)
	if err != nil {
		if appErr, ok := errors.AsAppError(err); ok {
			return nil, appErr.WithDetail("path", path)
		}
		return nil, err
	}
	return def, nil
}

// ParseDefinition decodes and validates a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.InvalidInput("yaml", err.Error()).WithCause(err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks field constraints and branch conditions. Graph structure is
// checked by Build.
func (def *Definition) Validate() error {
	if err := validation.Validate(def); err != nil {
		return err
	}
	v := validation.New()
	for i, t := range def.Tasks {
		for j, b := range t.Branches {
			field := fmt.Sprintf("tasks[%d].branches[%d]", i, j)
			v.Custom(len(b.Targets) > 0, field+".targets", "is required")
			if b.Condition == nil {
				v.Custom(j == len(t.Branches)-1, field+".when", "only the last branch may omit its condition")
				continue
			}
			if err := b.Condition.Validate(); err != nil {
				v.AddError(field+".when", err.Error())
			}
		}
	}
	return v.Err()
}

// Build converts the definition into a validated DAG.
func (def *Definition) Build() (*DAG, error) {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	d := New(def.ID, name)
	for _, t := range def.Tasks {
		err := d.AddTask(Task{
			ID:           t.ID,
			Name:         t.Name,
			Dependencies: t.DependsOn,
			Branches:     t.Branches,
			HandlerRef:   t.Handler,
			Params:       t.Params,
			Critical:     t.Critical,
			Timeout:      t.Timeout,
		})
		if err != nil {
			return nil, err
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

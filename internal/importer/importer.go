// Package importer seeds a project, its variables and documents from a YAML
// project file.
package importer

import (
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/docextract/internal/model"
)

//go:embed project.schema.json
var projectSchema string

// File is the decoded project file.
type File struct {
	Project   model.Project    `yaml:"project"`
	Variables []model.Variable `yaml:"variables"`
	Documents []Document       `yaml:"documents"`
}

// Document is a document entry of a project file.
type Document struct {
	ID       string        `yaml:"id"`
	Filename string        `yaml:"filename"`
	Content  string        `yaml:"content"`
	Chunks   []model.Chunk `yaml:"chunks"`
}

// Store is the persistence an import writes to.
type Store interface {
	CreateProject(ctx context.Context, p *model.Project) error
	CreateVariable(ctx context.Context, v *model.Variable) error
	CreateDocument(ctx context.Context, d *model.Document, chunks []model.Chunk) error
}

// PromptRefresher generates the active prompt of a variable.
type PromptRefresher interface {
	Refresh(ctx context.Context, variableID string) (*model.Prompt, error)
}

// Result summarises an import.
type Result struct {
	Project     *model.Project
	VariableIDs []string
	DocumentIDs []string
	Prompts     int
}

// Importer validates project files and seeds the store.
type Importer struct {
	store   Store
	prompts PromptRefresher
	schema  *jsonschema.Schema
}

// New compiles the project file schema. A nil prompts skips prompt generation.
func New(store Store, prompts PromptRefresher) (*Importer, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("project.json", strings.NewReader(projectSchema)); err != nil {
		return nil, eris.Wrap(err, "importer: add schema")
	}
	schema, err := compiler.Compile("project.json")
	if err != nil {
		return nil, eris.Wrap(err, "importer: compile schema")
	}
	return &Importer{store: store, prompts: prompts, schema: schema}, nil
}

// Load reads and parses a project file.
func (im *Importer) Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: read %s", path)
	}
	return im.Parse(data)
}

// Parse decodes a project file, checks it against the schema and validates
// every variable.
func (im *Importer) Parse(data []byte) (*File, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, eris.Wrap(err, "importer: parse yaml")
	}
	// The schema validator wants JSON values, so normalise the YAML tree.
	b, err := json.Marshal(tree)
	if err != nil {
		return nil, eris.Wrap(err, "importer: normalise yaml")
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, eris.Wrap(err, "importer: normalise yaml")
	}
	if err := im.schema.Validate(doc); err != nil {
		return nil, eris.Wrap(err, "importer: project file does not match schema")
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "importer: decode project file")
	}

	seen := make(map[string]bool, len(f.Variables))
	for i := range f.Variables {
		v := &f.Variables[i]
		if seen[v.Name] {
			return nil, eris.Errorf("importer: duplicate variable %s", v.Name)
		}
		seen[v.Name] = true
		if v.Position == 0 {
			v.Position = i
		}
		if err := v.Validate(); err != nil {
			return nil, eris.Wrap(err, "importer")
		}
	}
	return &f, nil
}

// Import writes the project, variables and documents of f and generates a
// prompt for every variable.
func (im *Importer) Import(ctx context.Context, f *File) (*Result, error) {
	project := f.Project
	if err := im.store.CreateProject(ctx, &project); err != nil {
		return nil, eris.Wrap(err, "importer: create project")
	}
	res := &Result{Project: &project}

	for _, v := range f.Variables {
		v.ProjectID = project.ID
		if err := im.store.CreateVariable(ctx, &v); err != nil {
			return nil, eris.Wrapf(err, "importer: create variable %s", v.Name)
		}
		res.VariableIDs = append(res.VariableIDs, v.ID)
	}

	for _, d := range f.Documents {
		doc := &model.Document{ID: d.ID, ProjectID: project.ID, Filename: d.Filename, Content: d.Content}
		if doc.Content == "" {
			texts := make([]string, len(d.Chunks))
			for i, c := range d.Chunks {
				texts[i] = c.Text
			}
			doc.Content = strings.Join(texts, "\n\n")
		}
		if err := im.store.CreateDocument(ctx, doc, d.Chunks); err != nil {
			return nil, eris.Wrapf(err, "importer: create document %s", d.Filename)
		}
		res.DocumentIDs = append(res.DocumentIDs, doc.ID)
	}

	if im.prompts != nil {
		for _, id := range res.VariableIDs {
			if _, err := im.prompts.Refresh(ctx, id); err != nil {
				return nil, eris.Wrap(err, "importer: generate prompt")
			}
			res.Prompts++
		}
	}

	zap.L().Info("importer: project imported",
		zap.String("project_id", project.ID),
		zap.String("name", project.Name),
		zap.Int("variables", len(res.VariableIDs)),
		zap.Int("documents", len(res.DocumentIDs)),
		zap.Int("prompts", res.Prompts),
	)
	return res, nil
}

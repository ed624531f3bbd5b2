// Package kitfs loads kits from directories.
//
// A kit directory holds resource_N.<ext> files (static resources),
// dynamic_resource_N.<ext> files (dynamic resources, the file content is the
// preview default), and instruction_N.txt files (step prompts). An optional
// kit.yaml manifest adds a name, display names and tool attachments.
package kitfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/extract"
)

// ManifestFile is the optional per-kit manifest name.
const ManifestFile = "kit.yaml"

var (
	resourcePattern    = regexp.MustCompile(`^(dynamic_)?resource_([0-9]+)\.[^.]+$`)
	instructionPattern = regexp.MustCompile(`^instruction_([0-9]+)\.txt$`)
)

type (
	// Loader loads kits stored as subdirectories of a root directory. The
	// kit slug is the subdirectory name.
	Loader struct {
		root      fs.FS
		extractor extract.Extractor
	}

	// Manifest is the optional kit.yaml content.
	Manifest struct {
		Name          string            `yaml:"name"`
		VersionNumber int               `yaml:"version"`
		Resources     map[int]Named     `yaml:"resources"`
		Steps         map[int]Named     `yaml:"steps"`
		Tools         []ManifestTool    `yaml:"tools"`
		Labels        map[string]string `yaml:"labels"`
	}

	// Named carries a display name.
	Named struct {
		DisplayName string `yaml:"display_name"`
	}

	// ManifestTool is a tool attachment in the manifest. Configuration is
	// any YAML mapping and is converted to JSON.
	ManifestTool struct {
		Number        int            `yaml:"number"`
		ToolName      string         `yaml:"tool_name"`
		DisplayName   string         `yaml:"display_name"`
		Configuration map[string]any `yaml:"configuration"`
	}
)

// New returns a Loader over the directory tree at root.
func New(root string) *Loader {
	return NewFS(os.DirFS(root))
}

// NewFS returns a Loader over fsys.
func NewFS(fsys fs.FS) *Loader {
	return &Loader{root: fsys, extractor: extract.Default{}}
}

// LoadKit loads the kit named by ref.Slug.
func (l *Loader) LoadKit(ctx context.Context, ref kit.VersionRef) (*kit.Definition, error) {
	slug := ref.Slug
	if slug == "" {
		slug = ref.KitID
	}
	if slug == "" || strings.ContainsAny(slug, `/\`) || slug == ".." {
		return nil, kit.NewValidationError("slug", "invalid kit slug %q", slug)
	}
	sub, err := fs.Sub(l.root, slug)
	if err != nil {
		return nil, err
	}
	def, err := l.load(ctx, sub, slug)
	if err != nil {
		return nil, err
	}
	return def, nil
}

// List returns the slugs of the subdirectories holding at least one
// instruction file.
func (l *Loader) List() ([]string, error) {
	entries, err := fs.ReadDir(l.root, ".")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := fs.ReadDir(l.root, e.Name())
		if err != nil {
			continue
		}
		for _, f := range files {
			if instructionPattern.MatchString(f.Name()) {
				out = append(out, e.Name())
				break
			}
		}
	}
	return out, nil
}

// LoadDir loads the kit stored directly in dir.
func LoadDir(ctx context.Context, dir string) (*kit.Definition, error) {
	l := New(filepath.Dir(dir))
	return l.load(ctx, os.DirFS(dir), filepath.Base(dir))
}

func (l *Loader) load(ctx context.Context, fsys fs.FS, slug string) (*kit.Definition, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", kit.ErrNotFound, slug)
		}
		return nil, fmt.Errorf("read kit %s: %w", slug, err)
	}
	man, err := readManifest(fsys)
	if err != nil {
		return nil, fmt.Errorf("kit %s: %w", slug, err)
	}
	def := &kit.Definition{
		Ref:  kit.VersionRef{KitID: slug, VersionID: "fs:" + slug, Slug: slug, VersionNumber: man.VersionNumber},
		Name: slug,
	}
	if man.Name != "" {
		def.Name = man.Name
	}
	seenResource := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if m := resourcePattern.FindStringSubmatch(name); m != nil {
			n, _ := strconv.Atoi(m[2])
			if prev, dup := seenResource[n]; dup {
				return nil, kit.NewValidationError("resources", "%s and %s both define resource_%d", prev, name, n)
			}
			seenResource[n] = name
			res, err := l.readResource(ctx, fsys, name, n, m[1] != "")
			if err != nil {
				return nil, fmt.Errorf("kit %s: %w", slug, err)
			}
			res.DisplayName = man.Resources[n].DisplayName
			def.Resources = append(def.Resources, res)
			continue
		}
		if m := instructionPattern.FindStringSubmatch(name); m != nil {
			n, _ := strconv.Atoi(m[1])
			data, err := fs.ReadFile(fsys, name)
			if err != nil {
				return nil, fmt.Errorf("kit %s: read %s: %w", slug, name, err)
			}
			def.Steps = append(def.Steps, kit.Step{
				Number:      n,
				Prompt:      string(data),
				DisplayName: man.Steps[n].DisplayName,
			})
		}
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("%w: no instruction files in %s", kit.ErrNotFound, slug)
	}
	sort.Slice(def.Resources, func(i, j int) bool { return def.Resources[i].Number < def.Resources[j].Number })
	sort.Slice(def.Steps, func(i, j int) bool { return def.Steps[i].Number < def.Steps[j].Number })
	for i, t := range man.Tools {
		n := t.Number
		if n == 0 {
			n = i + 1
		}
		att := kit.ToolAttachment{Number: n, ToolName: t.ToolName, DisplayName: t.DisplayName}
		if len(t.Configuration) > 0 {
			cfg, err := json.Marshal(t.Configuration)
			if err != nil {
				return nil, kit.NewValidationError("tools", "tool %d configuration: %v", n, err)
			}
			att.Configuration = cfg
		}
		def.Tools = append(def.Tools, att)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (l *Loader) readResource(ctx context.Context, fsys fs.FS, name string, n int, dynamic bool) (kit.Resource, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return kit.Resource{}, fmt.Errorf("read %s: %w", name, err)
	}
	mime := extract.DetectMimeType(name)
	text, err := l.extractor.ExtractText(ctx, data, mime)
	if err != nil {
		return kit.Resource{}, fmt.Errorf("extract %s: %w", name, err)
	}
	return kit.Resource{
		Number:   n,
		Content:  text,
		Filename: name,
		MimeType: mime,
		Dynamic:  dynamic,
	}, nil
}

func readManifest(fsys fs.FS) (*Manifest, error) {
	data, err := fs.ReadFile(fsys, ManifestFile)
	if errors.Is(err, fs.ErrNotExist) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, kit.NewValidationError("manifest", "%v", err)
	}
	return &m, nil
}

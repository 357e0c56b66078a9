// Package catalog manages message templates: importing them from YAML,
// deriving their slots and previewing their bound variables.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"wagate/internal/domain"
	"wagate/internal/extract"
)

// ErrNotFound is returned for unknown template names.
var ErrNotFound = errors.New("template not found")

// File is the on-disk catalog layout.
type File struct {
	Templates []Entry `yaml:"templates"`
}

// Entry is one template as authored. Slots are never read from the file;
// they are derived from Body. Defaults are keyed by placeholder number.
type Entry struct {
	Name       string         `yaml:"name"`
	Body       string         `yaml:"body"`
	Status     string         `yaml:"status"`
	ContentSID string         `yaml:"content_sid"`
	Defaults   map[int]string `yaml:"defaults"`
}

// Template converts the entry, deriving slots from the body.
func (e Entry) Template() *domain.Template {
	tpl := &domain.Template{
		Name:             strings.TrimSpace(e.Name),
		Body:             e.Body,
		ApprovalStatus:   parseApproval(e.Status),
		ContentReference: strings.TrimSpace(e.ContentSID),
	}
	Refresh(tpl)
	for i := range tpl.Slots {
		if v, ok := e.Defaults[tpl.Slots[i].Position]; ok {
			tpl.Slots[i].DefaultValue = v
		}
	}
	return tpl
}

func parseApproval(s string) domain.ApprovalStatus {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.ApprovalDraft
	}
	lower := strings.ToLower(s)
	return domain.ApprovalStatus(strings.ToUpper(lower[:1]) + lower[1:])
}

// Refresh replaces the template's slots with those derived from its body.
func Refresh(tpl *domain.Template) {
	tpl.Slots = extract.ExtractSlotsFromTemplateBody(tpl.Body)
}

// LoadFile parses one catalog file.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return f.Templates, nil
}

// LoadDirectory parses every .yaml or .yml file in dir. Unreadable files
// are logged and skipped.
func LoadDirectory(dir string, logger *slog.Logger) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	var out []Entry
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		loaded, err := LoadFile(path)
		if err != nil {
			logger.Warn("skipping catalog file", "path", path, "err", err)
			continue
		}
		out = append(out, loaded...)
	}
	return out, nil
}

// Report summarizes an import.
type Report struct {
	Saved    []string          `json:"saved"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

// Catalog reads and writes templates through a TemplateStore.
type Catalog struct {
	store     domain.TemplateStore
	extractor extract.ValueExtractor
	logger    *slog.Logger
}

func New(store domain.TemplateStore, extractor extract.ValueExtractor, logger *slog.Logger) *Catalog {
	return &Catalog{store: store, extractor: extractor, logger: logger}
}

// Import loads templates from a file or directory, validates each one and
// saves the valid ones. Invalid templates are reported, not fatal.
func (c *Catalog) Import(ctx context.Context, path string) (Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Report{}, err
	}
	var entries []Entry
	if info.IsDir() {
		entries, err = LoadDirectory(path, c.logger)
	} else {
		entries, err = LoadFile(path)
	}
	if err != nil {
		return Report{}, err
	}

	rep := Report{Rejected: map[string]string{}}
	for i, e := range entries {
		tpl := e.Template()
		label := tpl.Name
		if label == "" {
			label = "#" + strconv.Itoa(i+1)
		}
		if err := c.Save(ctx, tpl); err != nil {
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				return rep, err
			}
			c.logger.Warn("template rejected", "name", label, "err", err)
			rep.Rejected[label] = verr.Reason
			continue
		}
		rep.Saved = append(rep.Saved, tpl.Name)
	}
	c.logger.Info("template catalog imported", "path", path, "saved", len(rep.Saved), "rejected", len(rep.Rejected))
	return rep, nil
}

// Save refreshes the template's slots, validates it and stores it.
func (c *Catalog) Save(ctx context.Context, tpl *domain.Template) error {
	defaults := make(map[int]string, len(tpl.Slots))
	for _, s := range tpl.Slots {
		if s.DefaultValue != "" {
			defaults[s.Position] = s.DefaultValue
		}
	}
	Refresh(tpl)
	for i := range tpl.Slots {
		tpl.Slots[i].DefaultValue = defaults[tpl.Slots[i].Position]
	}
	if err := tpl.Validate(); err != nil {
		return err
	}
	return c.store.SaveTemplate(ctx, tpl)
}

// Get returns the named template or ErrNotFound.
func (c *Catalog) Get(ctx context.Context, name string) (*domain.Template, error) {
	tpl, err := c.store.GetTemplate(ctx, name)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return tpl, nil
}

// Approved lists the templates usable for template-mode sends.
func (c *Catalog) Approved(ctx context.Context) ([]domain.Template, error) {
	return c.store.ListTemplates(ctx, true)
}

// Preview is what a template send would hand to the provider.
type Preview struct {
	Name             string            `json:"name"`
	ContentReference string            `json:"content_sid"`
	ContentVariables map[string]string `json:"content_variables"`
	Body             string            `json:"body"`
	Rendered         string            `json:"rendered"`
}

// Preview binds values to the named template. When sample is non-empty,
// values extracted from it fill slots that values leaves open.
func (c *Catalog) Preview(ctx context.Context, name string, values map[string]string, sample string) (*Preview, error) {
	tpl, err := c.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !tpl.Approved() {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("template %q is not approved", name)}
	}
	if tpl.ContentReference == "" {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("template %q has no content reference", name)}
	}

	merged := map[string]string{}
	if sample != "" && c.extractor != nil {
		merged = c.extractor.ExtractCandidateValues(sample)
	}
	maps.Copy(merged, values)
	vars := extract.BindValues(tpl.Slots, merged)
	return &Preview{
		Name:             tpl.Name,
		ContentReference: tpl.ContentReference,
		ContentVariables: vars,
		Body:             tpl.Body,
		Rendered:         Render(tpl.Body, vars),
	}, nil
}

var placeholder = regexp.MustCompile(`\{\{(\d+)\}\}`)

// Render substitutes numbered placeholders with vars; unknown numbers stay.
func Render(body string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(body, func(m string) string {
		n, err := strconv.Atoi(placeholder.FindStringSubmatch(m)[1])
		if err != nil {
			return m
		}
		if v, ok := vars[strconv.Itoa(n)]; ok {
			return v
		}
		return m
	})
}

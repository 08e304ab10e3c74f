package fetcher

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoTargets is returned for an empty batch.
var ErrNoTargets = errors.New("there were no files to download")

// Target is one file of a batch. Size is the catalog size in bytes; zero
// means unknown.
type Target struct {
	URL       string `yaml:"url"`
	Size      int64  `yaml:"size"`
	Name      string `yaml:"name"`
	Chunklist string `yaml:"chunklist"`
}

// FileName returns Name, or the last element of the URL path.
func (t Target) FileName() string {
	if t.Name != "" {
		return t.Name
	}
	if u, err := url.Parse(t.URL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(t.URL)
}

// TargetList is the contents of a targets file.
type TargetList struct {
	Product string   `yaml:"product"`
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads a YAML targets file.
func LoadTargets(filePath string) (*TargetList, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}

	var list TargetList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse targets file: %w", err)
	}

	for i, t := range list.Targets {
		if t.URL == "" {
			return nil, fmt.Errorf("target %d: url is required", i+1)
		}
		if t.Size < 0 {
			return nil, fmt.Errorf("target %d: size must not be negative", i+1)
		}
		name := t.FileName()
		if name == "" || name == "." || name == "/" || strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("target %d: invalid file name %q", i+1, name)
		}
	}

	return &list, nil
}

// FilterDMG keeps only targets whose URL ends in .dmg.
func FilterDMG(targets []Target) []Target {
	var out []Target
	for _, t := range targets {
		if strings.HasSuffix(strings.ToLower(t.URL), ".dmg") {
			out = append(out, t)
		}
	}
	return out
}

package scraper

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrCapabilityNotFound = errors.New("scraper not found")

// Scraper describes one post-processing capability shipped to the execution
// unit as part of the plugin bundle. The orchestrator never runs it; it only
// validates the name and forwards it via the unit's tags.
type Scraper struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	File        string `json:"file"`
}

// Registry maps capability names to scraper descriptors. Populated once at
// startup; lookups after that are read-only.
type Registry struct {
	mu       sync.RWMutex
	scrapers map[string]Scraper
}

func NewRegistry() *Registry {
	return &Registry{scrapers: make(map[string]Scraper)}
}

func (r *Registry) Register(s Scraper) error {
	if s.Name == "" {
		return fmt.Errorf("scraper name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scrapers[s.Name]; ok {
		return fmt.Errorf("scraper %q already registered", s.Name)
	}
	r.scrapers[s.Name] = s
	return nil
}

func (r *Registry) Lookup(name string) (Scraper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scrapers[name]
	if !ok {
		return Scraper{}, fmt.Errorf("%w: %s", ErrCapabilityNotFound, name)
	}
	return s, nil
}

func (r *Registry) List() []Scraper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scraper, 0, len(r.scrapers))
	for _, s := range r.scrapers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadDir registers every plugin file in dir. The description is taken from
// the first docstring or comment line of the file, if any.
func (r *Registry) LoadDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.py"))
	if err != nil {
		return err
	}
	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), ".py")
		if name == "__init__" {
			continue
		}
		desc := readDescription(f)
		if desc == "" {
			desc = name + " scraper"
		}
		if err := r.Register(Scraper{Name: name, Description: desc, File: f}); err != nil {
			return err
		}
	}
	return nil
}

func readDescription(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for i := 0; i < 10 && scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, `"""`) || strings.HasPrefix(line, "'''") {
			line = strings.Trim(line, `"'`)
			if line = strings.TrimSpace(line); line != "" {
				return line
			}
			continue
		}
		if strings.HasPrefix(line, "#") && len(line) > 5 {
			return strings.TrimSpace(strings.TrimPrefix(line, "#"))
		}
	}
	return ""
}

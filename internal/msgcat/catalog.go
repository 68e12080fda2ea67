// Package msgcat renders user-facing text from YAML templates so tools can be
// relabelled or translated without a rebuild.
package msgcat

import (
    "embed"
    "errors"
    "fmt"
    "io/fs"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "text/template"

    yaml "gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var defaultFiles embed.FS

// Catalog maps dot-separated keys to text/template sources. Templates are
// parsed once on first use; missing data keys fail the render.
type Catalog struct {
    mu     sync.RWMutex
    data   map[string]string
    parsed map[string]*template.Template
}

// New loads the embedded messages, then every *.yaml/*.yml file in overrideDir.
// Two override files may not define the same key.
func New(overrideDir string) (*Catalog, error) {
    c := &Catalog{data: make(map[string]string), parsed: make(map[string]*template.Template)}
    raw, err := fs.ReadFile(defaultFiles, "messages.yaml")
    if err != nil {
        return nil, fmt.Errorf("read embedded messages: %w", err)
    }
    flat, err := parseYAMLToFlat(raw)
    if err != nil {
        return nil, fmt.Errorf("parse embedded messages: %w", err)
    }
    c.merge(flat)
    if dir := strings.TrimSpace(overrideDir); dir != "" {
        if err := c.applyDir(dir); err != nil {
            return nil, err
        }
    }
    return c, nil
}

// Default is New("") for callers without an override directory.
func Default() *Catalog {
    c, err := New("")
    if err != nil {
        panic(err)
    }
    return c
}

func (c *Catalog) merge(flat map[string]string) {
    c.mu.Lock()
    defer c.mu.Unlock()
    for k, v := range flat {
        c.data[k] = v
        delete(c.parsed, k)
    }
}

func (c *Catalog) applyDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil {
        return fmt.Errorf("read message dir: %w", err)
    }
    files := make([]string, 0, len(entries))
    for _, e := range entries {
        if e.IsDir() { continue }
        switch strings.ToLower(filepath.Ext(e.Name())) {
        case ".yaml", ".yml":
            files = append(files, e.Name())
        }
    }
    sort.Strings(files)
    seen := make(map[string]string) // key -> file
    for _, name := range files {
        b, err := os.ReadFile(filepath.Join(dir, name))
        if err != nil { return fmt.Errorf("read %s: %w", name, err) }
        flat, err := parseYAMLToFlat(b)
        if err != nil { return fmt.Errorf("parse %s: %w", name, err) }
        for k := range flat {
            if prev, ok := seen[k]; ok {
                return fmt.Errorf("duplicate override key %q in %s and %s", k, prev, name)
            }
            seen[k] = name
        }
        c.merge(flat)
    }
    return nil
}

func parseYAMLToFlat(b []byte) (map[string]string, error) {
    var m map[string]any
    if err := yaml.Unmarshal(b, &m); err != nil {
        return nil, err
    }
    flat := make(map[string]string)
    if err := flatten(m, "", flat); err != nil {
        return nil, err
    }
    return flat, nil
}

func flatten(src any, prefix string, out map[string]string) error {
    switch v := src.(type) {
    case map[string]any:
        for k, vv := range v {
            key := k
            if prefix != "" { key = prefix + "." + k }
            if err := flatten(vv, key, out); err != nil { return err }
        }
        return nil
    case string:
        if prefix == "" { return errors.New("string value without key") }
        out[prefix] = v
        return nil
    case nil:
        return nil
    default:
        return fmt.Errorf("unsupported value at %s: %T", prefix, v)
    }
}

func (c *Catalog) template(key string) (*template.Template, error) {
    key = strings.TrimSpace(key)
    c.mu.RLock()
    t, ok := c.parsed[key]
    src, known := c.data[key]
    c.mu.RUnlock()
    if ok {
        return t, nil
    }
    if !known || strings.TrimSpace(src) == "" {
        return nil, fmt.Errorf("template not found: %s", key)
    }
    t, err := template.New(key).Option("missingkey=error").Parse(src)
    if err != nil {
        return nil, fmt.Errorf("parse %s: %w", key, err)
    }
    c.mu.Lock()
    c.parsed[key] = t
    c.mu.Unlock()
    return t, nil
}

// Render executes the template stored under key.
func (c *Catalog) Render(key string, data any) (string, error) {
    t, err := c.template(key)
    if err != nil { return "", err }
    var b strings.Builder
    if err := t.Execute(&b, data); err != nil { return "", err }
    return b.String(), nil
}

// Text renders key, falling back to the key itself so output is never empty.
func (c *Catalog) Text(key string, data any) string {
    s, err := c.Render(key, data)
    if err != nil { return key }
    return s
}

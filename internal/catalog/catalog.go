package catalog

import (
    "embed"
    "errors"
    "fmt"
    "io/fs"
    "os"
    "sort"
    "strings"
    "sync"

    yaml "gopkg.in/yaml.v3"

    "github.com/park285/nfc-card-battle/internal/progression"
)

//go:embed characters.yaml
var defaultFiles embed.FS

// Character is an immutable template. Live combatants are derived from it by level.
type Character struct {
    ID                int    `yaml:"id" json:"id"`
    Name              string `yaml:"name" json:"name"`
    progression.Stats `yaml:",inline"`
}

type file struct {
    Characters []Character `yaml:"characters"`
}

// Override replaces individual stats of a template; nil fields keep the base value.
type Override struct {
    HP      *int `json:"hp,omitempty" yaml:"hp,omitempty"`
    Attack  *int `json:"attack,omitempty" yaml:"attack,omitempty"`
    Defense *int `json:"defense,omitempty" yaml:"defense,omitempty"`
}

var ErrEmpty = errors.New("character catalog is empty")

// Catalog holds the character templates keyed by id. Loaded once, read-only afterwards.
type Catalog struct {
    mu    sync.RWMutex
    byID  map[int]Character
}

// New loads the embedded defaults and then applies overridePath if provided.
// Entries in the override file replace defaults with the same id and may add new ones.
func New(overridePath string) (*Catalog, error) {
    c := &Catalog{byID: make(map[int]Character)}
    raw, err := fs.ReadFile(defaultFiles, "characters.yaml")
    if err != nil {
        return nil, fmt.Errorf("read embedded characters: %w", err)
    }
    if err := c.apply(raw); err != nil {
        return nil, fmt.Errorf("parse embedded characters: %w", err)
    }
    if p := strings.TrimSpace(overridePath); p != "" {
        b, err := os.ReadFile(p)
        if err != nil { return nil, fmt.Errorf("read %s: %w", p, err) }
        if err := c.apply(b); err != nil { return nil, fmt.Errorf("parse %s: %w", p, err) }
    }
    if len(c.byID) == 0 {
        return nil, ErrEmpty
    }
    return c, nil
}

var (
    defaultOnce sync.Once
    defaultCat  *Catalog
)

// Default returns the embedded catalog. It panics only if the embedded file is broken.
func Default() *Catalog {
    defaultOnce.Do(func() {
        c, err := New("")
        if err != nil {
            panic(err)
        }
        defaultCat = c
    })
    return defaultCat
}

// FromList builds a catalog directly, used by simulations with ad-hoc rosters.
func FromList(chars []Character) *Catalog {
    c := &Catalog{byID: make(map[int]Character, len(chars))}
    for _, ch := range chars {
        c.byID[ch.ID] = ch
    }
    return c
}

func (c *Catalog) apply(b []byte) error {
    var f file
    if err := yaml.Unmarshal(b, &f); err != nil {
        return err
    }
    seen := make(map[int]bool, len(f.Characters))
    for _, ch := range f.Characters {
        if ch.ID <= 0 { return fmt.Errorf("character %q: id must be positive", ch.Name) }
        if seen[ch.ID] { return fmt.Errorf("duplicate character id %d", ch.ID) }
        if ch.HP <= 0 || ch.Attack < 0 || ch.Defense < 0 {
            return fmt.Errorf("character %d: invalid stats %+v", ch.ID, ch.Stats)
        }
        seen[ch.ID] = true
    }
    c.mu.Lock()
    for _, ch := range f.Characters { c.byID[ch.ID] = ch }
    c.mu.Unlock()
    return nil
}

// Character looks up a template by id.
func (c *Catalog) Character(id int) (Character, bool) {
    c.mu.RLock()
    defer c.mu.RUnlock()
    ch, ok := c.byID[id]
    return ch, ok
}

// All returns the templates ordered by id.
func (c *Catalog) All() []Character {
    c.mu.RLock()
    out := make([]Character, 0, len(c.byID))
    for _, ch := range c.byID { out = append(out, ch) }
    c.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// WithOverrides returns the ordered roster with per-id stat overrides applied.
// Unknown ids in overrides are ignored.
func (c *Catalog) WithOverrides(overrides map[int]Override) []Character {
    all := c.All()
    for i := range all {
        o, ok := overrides[all[i].ID]
        if !ok { continue }
        if o.HP != nil { all[i].HP = *o.HP }
        if o.Attack != nil { all[i].Attack = *o.Attack }
        if o.Defense != nil { all[i].Defense = *o.Defense }
    }
    return all
}

package controls

import (
	"fmt"
	"sync"
)

// Cycler is a named ring of choices with a current index.
type Cycler struct {
	mu    sync.Mutex
	name  string
	items []string
	index int
}

func NewCycler(name string, items []string) (*Cycler, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%s: at least one item required", name)
	}
	return &Cycler{name: name, items: append([]string(nil), items...)}, nil
}

func (c *Cycler) Name() string { return c.name }

func (c *Cycler) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[c.index]
}

// Next advances with wrap-around and returns the new current item.
func (c *Cycler) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = (c.index + 1) % len(c.items)
	return c.items[c.index]
}

// Previous steps back with wrap-around and returns the new current item.
func (c *Cycler) Previous() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = (c.index - 1 + len(c.items)) % len(c.items)
	return c.items[c.index]
}

// Set selects item and reports whether it exists.
func (c *Cycler) Set(item string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range c.items {
		if v == item {
			c.index = i
			return true
		}
	}
	return false
}

func (c *Cycler) Items() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.items...)
}

// ThemeStore cycles themes and carries the alternate-variant toggle.
type ThemeStore struct {
	*Cycler

	mu      sync.Mutex
	variant bool
}

func NewThemeStore(themes []string) (*ThemeStore, error) {
	c, err := NewCycler("themes", themes)
	if err != nil {
		return nil, err
	}
	return &ThemeStore{Cycler: c}, nil
}

// ToggleVariant flips the variant and returns the new value.
func (t *ThemeStore) ToggleVariant() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.variant = !t.variant
	return t.variant
}

func (t *ThemeStore) Variant() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.variant
}

package canvas

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Tab is one drawing surface the user can select.
type Tab struct {
	// ID is the stable handle for the tab.
	ID string `json:"id"`
	// Name is the mutable user-facing name, used as the mention key.
	// Names are not required to be unique; lookups resolve to the first
	// matching tab in list order.
	Name string `json:"name"`
	// PersistenceKey binds the tab to its durable snapshot.
	PersistenceKey string `json:"persistenceKey"`
}

// TabList is the registry of canvas tabs. At most one tab is active at a
// time; whenever the list is non-empty exactly one tab is active.
//
// The list also tracks live Surfaces mounted by the hosting editor, keyed
// by tab id, so a binding survives tab creation and switching. Tabs with no
// live surface export through a SurfaceFactory instead.
type TabList struct {
	mu       sync.RWMutex
	tabs     []Tab
	activeID string
	surfaces map[string]Surface
	seq      int
}

// NewTabList creates an empty tab registry.
func NewTabList() *TabList {
	return &TabList{surfaces: make(map[string]Surface)}
}

// NewTab creates a tab with a generated "Canvas N" name and persistence key,
// makes it active, and returns it.
func (l *TabList) NewTab() Tab {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	tab := Tab{
		ID:             uuid.NewString(),
		Name:           fmt.Sprintf("Canvas %d", l.seq),
		PersistenceKey: fmt.Sprintf("canvas-%d", l.seq),
	}
	l.tabs = append(l.tabs, tab)
	l.activeID = tab.ID
	return tab
}

// Add registers an existing tab (e.g. loaded from the store) without
// changing the active selection, unless the list was empty.
func (l *TabList) Add(tab Tab) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tabs = append(l.tabs, tab)
	l.seq++
	if l.activeID == "" {
		l.activeID = tab.ID
	}
}

// Rename changes a tab's name in place. Returns false if id is unknown.
func (l *TabList) Rename(id, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.tabs {
		if l.tabs[i].ID == id {
			l.tabs[i].Name = name
			return true
		}
	}
	return false
}

// Remove deletes a tab. If the active tab is removed, the first remaining
// tab (or none) becomes active. Returns false if id is unknown.
func (l *TabList) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.tabs {
		if l.tabs[i].ID == id {
			l.tabs = append(l.tabs[:i], l.tabs[i+1:]...)
			delete(l.surfaces, id)
			if l.activeID == id {
				if len(l.tabs) > 0 {
					l.activeID = l.tabs[0].ID
				} else {
					l.activeID = ""
				}
			}
			return true
		}
	}
	return false
}

// SetActive selects a tab. A surface bound for the previous active tab
// stays registered under that tab and is used again when it reactivates.
// Returns false if id is unknown.
func (l *TabList) SetActive(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.tabs {
		if l.tabs[i].ID == id {
			l.activeID = id
			return true
		}
	}
	return false
}

// BindActiveSurface attaches the live surface mounted for the active tab.
// A nil surface clears the active tab's binding.
func (l *TabList) BindActiveSurface(s Surface) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeID == "" {
		return
	}
	if s == nil {
		delete(l.surfaces, l.activeID)
		return
	}
	l.surfaces[l.activeID] = s
}

// Active returns the active tab, if any.
func (l *TabList) Active() (Tab, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, tab := range l.tabs {
		if tab.ID == l.activeID {
			return tab, true
		}
	}
	return Tab{}, false
}

// ActiveSurface returns the live surface bound for the active tab, or nil
// when the active tab has none.
func (l *TabList) ActiveSurface() Surface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.activeID == "" {
		return nil
	}
	return l.surfaces[l.activeID]
}

// ByName resolves a tab by its display name: exact, case-sensitive match,
// first matching tab in list order.
func (l *TabList) ByName(name string) (Tab, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, tab := range l.tabs {
		if tab.Name == name {
			return tab, true
		}
	}
	return Tab{}, false
}

// Names returns all tab names in list order.
func (l *TabList) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, len(l.tabs))
	for i, tab := range l.tabs {
		names[i] = tab.Name
	}
	return names
}

// Tabs returns a copy of the tab list.
func (l *TabList) Tabs() []Tab {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Tab, len(l.tabs))
	copy(out, l.tabs)
	return out
}

// Len returns the number of tabs.
func (l *TabList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tabs)
}

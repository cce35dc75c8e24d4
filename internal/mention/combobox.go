package mention

import (
	"context"
	"sync"

	"quarry/api/internal/fuzzy"
	"quarry/api/internal/search"
)

// State is the suggestion popup's current mode.
type State int

const (
	StateClosed State = iota
	StateSearching
	StateSelectingField
)

// Key is a keyboard event the popup may intercept from the host editor.
type Key int

const (
	KeyArrowUp Key = iota
	KeyArrowDown
	KeyEnter
	KeyEscape
	KeyBackspace
)

// Anchor is the screen position the popup is rendered at, computed by the
// host edit surface from the caret. Carried through unchanged.
type Anchor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SearchProvider returns candidate entities for a query. Implementations are
// network-backed and must respect context cancellation.
type SearchProvider interface {
	Search(ctx context.Context, q search.Query) ([]search.Candidate, error)
}

// Selection is the completed outcome of a popup session.
type Selection struct {
	Trigger rune
	Entity  search.Candidate
	Field   *search.Field
}

// Config wires a Combobox to its collaborators.
type Config struct {
	Provider SearchProvider
	// ProjectID scopes node candidates; empty searches everywhere.
	ProjectID string
	// ExcludeID drops the named candidate so a record cannot reference
	// itself from its own editor.
	ExcludeID string
	Limit     int
	// FieldSelect overrides whether picking an entity moves to field
	// selection. Nil uses the default: on for '#', off for '@'.
	FieldSelect func(trigger rune) bool
	// OnSelect receives the completed selection after the popup closes.
	OnSelect func(Selection)
	// OnChange is invoked after every visible state change.
	OnChange func(View)
	// OnClose is invoked when the popup closes without a selection.
	OnClose func()
}

// View is an immutable snapshot of the popup for rendering.
type View struct {
	State      State
	Trigger    rune
	Anchor     Anchor
	Query      string
	FieldQuery string
	Loading    bool
	Entities   []search.Candidate
	Fields     []search.Field
	Selected   int
}

// Combobox owns the suggestion popup's open/query/field-select state. Search
// responses are generation-checked so a slow response for an old query can
// never overwrite results for a newer one; until new results land the last
// good list stays visible behind a loading flag.
type Combobox struct {
	cfg Config

	mu         sync.Mutex
	state      State
	trigger    rune
	anchor     Anchor
	query      string
	generation uint64
	cancel     context.CancelFunc
	loading    bool
	entities   []search.Candidate
	entity     *search.Candidate
	fieldQuery string
	fields     []search.Field
	selected   int
}

func New(cfg Config) *Combobox {
	if cfg.Limit == 0 {
		cfg.Limit = 20
	}
	return &Combobox{cfg: cfg}
}

func (c *Combobox) fieldSelectFor(trigger rune) bool {
	if c.cfg.FieldSelect != nil {
		return c.cfg.FieldSelect(trigger)
	}
	return trigger == TriggerReference
}

// Open starts a session at the given anchor with an empty query.
func (c *Combobox) Open(trigger rune, anchor Anchor) {
	c.mu.Lock()
	c.state = StateSearching
	c.trigger = trigger
	c.anchor = anchor
	c.query = ""
	c.entity = nil
	c.fields = nil
	c.fieldQuery = ""
	c.selected = 0
	c.startSearchLocked()
	c.notifyLocked()
}

// SetQuery feeds the live query text: the entity query while searching, the
// field filter while selecting a field.
func (c *Combobox) SetQuery(query string) {
	c.mu.Lock()
	switch c.state {
	case StateSearching:
		c.query = query
		c.startSearchLocked()
		c.notifyLocked()
	case StateSelectingField:
		c.fieldQuery = query
		c.filterFieldsLocked()
		c.notifyLocked()
	default:
		c.mu.Unlock()
	}
}

// HandleKey intercepts a keyboard event. It returns true when the popup
// consumed the event, preempting the host editor's own handling.
func (c *Combobox) HandleKey(key Key) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}

	switch key {
	case KeyArrowUp:
		c.moveSelectionLocked(-1)
		c.notifyLocked()
		return true
	case KeyArrowDown:
		c.moveSelectionLocked(1)
		c.notifyLocked()
		return true
	case KeyEnter:
		return c.enterLocked()
	case KeyEscape:
		if c.state == StateSelectingField {
			c.backToSearchLocked()
			c.notifyLocked()
			return true
		}
		c.closeLocked(true)
		return true
	case KeyBackspace:
		if c.state == StateSelectingField && c.fieldQuery == "" {
			c.backToSearchLocked()
			c.notifyLocked()
			return true
		}
		// The host applies the edit and calls SetQuery; deleting past the
		// trigger closes the session through the detector instead.
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	return false
}

// Close closes the popup without a selection and invalidates any in-flight
// search.
func (c *Combobox) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.closeLocked(true)
}

// View returns a render snapshot.
func (c *Combobox) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// --- internals; all *Locked methods expect c.mu held ---

// moveSelectionLocked moves the highlight cyclically through whichever list
// is active, wrapping at both ends.
func (c *Combobox) moveSelectionLocked(delta int) {
	length := len(c.entities)
	if c.state == StateSelectingField {
		length = len(c.fields)
	}
	if length == 0 {
		c.selected = 0
		return
	}
	c.selected = ((c.selected+delta)%length + length) % length
}

// enterLocked acts on the highlighted item. Releases the lock.
func (c *Combobox) enterLocked() bool {
	switch c.state {
	case StateSearching:
		if c.selected >= len(c.entities) {
			c.mu.Unlock()
			return true
		}
		entity := c.entities[c.selected]
		if c.fieldSelectFor(c.trigger) && len(entity.Fields) > 0 {
			c.state = StateSelectingField
			c.entity = &entity
			c.fieldQuery = ""
			c.fields = entity.Fields
			c.selected = 0
			c.notifyLocked()
			return true
		}
		c.completeLocked(Selection{Trigger: c.trigger, Entity: entity})
		return true
	case StateSelectingField:
		if c.selected >= len(c.fields) {
			c.mu.Unlock()
			return true
		}
		field := c.fields[c.selected]
		c.completeLocked(Selection{Trigger: c.trigger, Entity: *c.entity, Field: &field})
		return true
	}
	c.mu.Unlock()
	return false
}

func (c *Combobox) backToSearchLocked() {
	c.state = StateSearching
	c.entity = nil
	c.fields = nil
	c.fieldQuery = ""
	c.selected = 0
}

// completeLocked closes the popup and delivers the selection. Releases the
// lock before invoking the callback.
func (c *Combobox) completeLocked(selection Selection) {
	c.resetLocked()
	onSelect := c.cfg.OnSelect
	c.mu.Unlock()
	if onSelect != nil {
		onSelect(selection)
	}
}

// closeLocked closes without a selection. Releases the lock.
func (c *Combobox) closeLocked(notify bool) {
	c.resetLocked()
	onClose := c.cfg.OnClose
	c.mu.Unlock()
	if notify && onClose != nil {
		onClose()
	}
}

func (c *Combobox) resetLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.generation++ // orphan any in-flight response
	c.state = StateClosed
	c.loading = false
	c.entities = nil
	c.entity = nil
	c.fields = nil
	c.query = ""
	c.fieldQuery = ""
	c.selected = 0
}

// startSearchLocked launches an asynchronous provider search for the current
// query, cancelling any previous one. The response is applied only if it is
// still the newest request and the popup is still searching.
func (c *Combobox) startSearchLocked() {
	c.generation++
	generation := c.generation
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loading = true

	q := search.Query{
		Text:          c.query,
		ProjectID:     c.cfg.ProjectID,
		IncludeFields: c.fieldSelectFor(c.trigger),
		ExcludeID:     c.cfg.ExcludeID,
		Limit:         c.cfg.Limit,
	}
	query := c.query

	go func() {
		defer cancel()
		candidates, err := c.cfg.Provider.Search(ctx, q)

		c.mu.Lock()
		if generation != c.generation || c.state != StateSearching {
			c.mu.Unlock()
			return
		}
		c.loading = false
		if err != nil {
			// Rendered as "no matches"; the next keystroke retries.
			c.entities = nil
		} else {
			c.entities = rankCandidates(query, candidates, c.cfg.ExcludeID, c.cfg.Limit)
		}
		if c.selected >= len(c.entities) {
			c.selected = 0
		}
		c.notifyLocked()
	}()
}

// filterFieldsLocked refilters the selected entity's fields locally; the
// field list was loaded with the entity, so no network call is needed.
func (c *Combobox) filterFieldsLocked() {
	if c.entity == nil {
		c.fields = nil
		return
	}
	matches := fuzzy.Search(c.fieldQuery, c.entity.Fields, func(f search.Field) string {
		return f.Label
	}, fuzzy.Options{})
	fields := make([]search.Field, len(matches))
	for i, m := range matches {
		fields[i] = m.Item
	}
	c.fields = fields
	if c.selected >= len(c.fields) {
		c.selected = 0
	}
}

// rankCandidates applies self-reference exclusion and fuzzy re-ranking to a
// provider response.
func rankCandidates(query string, candidates []search.Candidate, excludeID string, limit int) []search.Candidate {
	if excludeID != "" {
		filtered := candidates[:0:0]
		for _, c := range candidates {
			if c.ID != excludeID {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}
	matches := fuzzy.Search(query, candidates, func(c search.Candidate) string {
		return c.Name
	}, fuzzy.Options{Limit: limit})
	ranked := make([]search.Candidate, len(matches))
	for i, m := range matches {
		ranked[i] = m.Item
	}
	return ranked
}

// notifyLocked delivers a view snapshot to OnChange. Releases the lock.
func (c *Combobox) notifyLocked() {
	onChange := c.cfg.OnChange
	view := c.viewLocked()
	c.mu.Unlock()
	if onChange != nil {
		onChange(view)
	}
}

func (c *Combobox) viewLocked() View {
	view := View{
		State:      c.state,
		Trigger:    c.trigger,
		Anchor:     c.anchor,
		Query:      c.query,
		FieldQuery: c.fieldQuery,
		Loading:    c.loading,
		Selected:   c.selected,
		Entities:   append([]search.Candidate(nil), c.entities...),
		Fields:     append([]search.Field(nil), c.fields...),
	}
	return view
}

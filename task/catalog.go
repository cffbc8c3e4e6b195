package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownTask no definition is registered with this name
	ErrUnknownTask = errors.New("unknown task")
	// ErrAbstractTask the definition is a template, it can't run
	ErrAbstractTask = errors.New("abstract task")
)

// LookupError is returned by Catalog.Resolve
type LookupError struct {
	Name string
	Err  error
}

func (e *LookupError) Error() string {
	switch e.Err {
	case ErrAbstractTask:
		return fmt.Sprintf("Task %s is abstract.", e.Name)
	default:
		return fmt.Sprintf("Task %s does not exist.", e.Name)
	}
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Cause is used by pkg/errors
func (e *LookupError) Cause() error {
	return e.Err
}

// Default is the process wide catalog, filled by init() of task packages
var Default = NewCatalog()

// Register a definition in the Default catalog, and panic on failure
func Register(def Definition) {
	if err := Default.Register(def); err != nil {
		panic(err)
	}
}

// Catalog maps task names to their definition
type Catalog struct {
	sync.RWMutex
	definitions map[string]Definition
}

// NewCatalog inits an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{
		definitions: make(map[string]Definition),
	}
}

// Register adds a definition
func (c *Catalog) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("task definition without name")
	}
	if !def.Abstract && def.New == nil {
		return errors.Errorf("concrete task %s needs a factory", def.Name)
	}
	c.Lock()
	defer c.Unlock()
	if _, ok := c.definitions[def.Name]; ok {
		return errors.Errorf("task %s is already registered", def.Name)
	}
	c.definitions[def.Name] = def
	return nil
}

// Resolve finds a concrete definition
func (c *Catalog) Resolve(name string) (*Definition, error) {
	c.RLock()
	def, ok := c.definitions[name]
	c.RUnlock()
	if !ok {
		return nil, &LookupError{Name: name, Err: ErrUnknownTask}
	}
	if def.Abstract {
		return nil, &LookupError{Name: name, Err: ErrAbstractTask}
	}
	return &def, nil
}

// List all definitions, abstract ones included, sorted by name
func (c *Catalog) List() []Definition {
	c.RLock()
	defer c.RUnlock()
	defs := make([]Definition, 0, len(c.definitions))
	for _, def := range c.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Length returns the number of definitions
func (c *Catalog) Length() int {
	c.RLock()
	defer c.RUnlock()
	return len(c.definitions)
}

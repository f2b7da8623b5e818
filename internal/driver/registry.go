package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	registryMu sync.RWMutex
	drivers    = make(map[string]Driver)
	aliases    = make(map[string]string)
)

// Register makes a driver available by its name and aliases.
// It panics if a name is registered twice.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := strings.ToLower(d.Name())
	if _, dup := drivers[name]; dup {
		panic("driver: Register called twice for " + name)
	}
	drivers[name] = d
	for _, a := range d.Aliases() {
		aliases[strings.ToLower(a)] = name
	}
}

// Get returns the driver registered under name or one of its aliases.
func Get(name string) (Driver, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}
	d, ok := drivers[key]
	if !ok {
		return nil, fmt.Errorf("unknown database type %q (available: %s)", name, strings.Join(availableLocked(), ", "))
	}
	return d, nil
}

// GetDialect returns the dialect of the named driver.
func GetDialect(name string) (Dialect, error) {
	d, err := Get(name)
	if err != nil {
		return nil, err
	}
	return d.Dialect(), nil
}

// Available returns the registered driver names, sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return availableLocked()
}

func availableLocked() []string {
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// QuoteColumns quotes and comma-joins cols.
func QuoteColumns(d Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// Placeholders returns n comma-joined bind markers.
func Placeholders(d Dialect, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = d.ParameterPlaceholder(i + 1)
	}
	return strings.Join(ph, ", ")
}

// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a collection of content items keyed by handle, for
// use by a device emulator or as a seed for a client cache. A catalog can be
// stored as YAML.
//
// # Usage
//
// Construct a new empty catalog and add items to it:
//
//	cat := catalog.New().Add(kscape.ContentDetails{Handle: "h1", Title: "Rope"})
//
// To recover an item, use Lookup:
//
//	d, ok := cat.Lookup("h1")
//
// To read a catalog from a YAML file:
//
//	f, err := os.Open("catalog.yaml")
//	...
//	cat, err := catalog.Load(f)
//
// The file holds a list of items, each using the field names of
// [kscape.ContentDetails]:
//
//	- handle: 26-0.0-S_c446c2e0
//	  title: Rope
//	  year: "1948"
//	  disc_location: Vault 1 / Slot 3
package catalog

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/creachadair/kscape"
	"gopkg.in/yaml.v3"
)

// A Catalog associates content handles with content details. It is safe to
// copy the resulting value; all copies share a reference to the same items.
// A Catalog is safe for concurrent use by multiple goroutines.
type Catalog struct {
	*items
}

type items struct {
	μ sync.RWMutex
	m map[string]kscape.ContentDetails
}

// New creates a new empty catalog.
func New() Catalog { return Catalog{&items{m: make(map[string]kscape.ContentDetails)}} }

// Add adds the specified items to c, and returns c to allow chaining. If an
// item with the same handle already exists in c, it is replaced.
// Add will panic if an item has an empty handle.
func (c Catalog) Add(ds ...kscape.ContentDetails) Catalog {
	c.μ.Lock()
	defer c.μ.Unlock()
	for _, d := range ds {
		if d.Handle == "" {
			panic("catalog: item has an empty handle")
		}
		c.m[d.Handle] = d
	}
	return c
}

// Lookup returns the item with the given handle, and reports whether it was
// found.
func (c Catalog) Lookup(handle string) (kscape.ContentDetails, bool) {
	c.μ.RLock()
	defer c.μ.RUnlock()
	d, ok := c.m[handle]
	return d, ok
}

// Handles returns the handles of all items in c, in lexicographic order.
func (c Catalog) Handles() []string {
	c.μ.RLock()
	defer c.μ.RUnlock()
	out := make([]string, 0, len(c.m))
	for h := range c.m {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// Len reports the number of items in c.
func (c Catalog) Len() int {
	c.μ.RLock()
	defer c.μ.RUnlock()
	return len(c.m)
}

// Seed records every item of c in the cache, so a client using the cache
// will not ask the device for them.
func (c Catalog) Seed(cache *kscape.Cache) {
	c.μ.RLock()
	defer c.μ.RUnlock()
	for h, d := range c.m {
		cache.Put(h, d)
	}
}

// Encode writes c to w in YAML format, as a list of items ordered by handle.
func (c Catalog) Encode(w io.Writer) error {
	var list []kscape.ContentDetails
	for _, h := range c.Handles() {
		d, _ := c.Lookup(h)
		list = append(list, d)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(list); err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	return enc.Close()
}

// Load reads a catalog in YAML format from r. Each item must have a distinct
// non-empty handle.
func Load(r io.Reader) (Catalog, error) {
	var list []kscape.ContentDetails
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&list); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	c := New()
	for i, d := range list {
		if d.Handle == "" {
			return Catalog{}, fmt.Errorf("item %d: missing handle", i+1)
		} else if _, ok := c.m[d.Handle]; ok {
			return Catalog{}, fmt.Errorf("item %d: duplicate handle %q", i+1, d.Handle)
		}
		c.m[d.Handle] = d
	}
	return c, nil
}

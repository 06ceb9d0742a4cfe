// porecall: a high-performance tool for basecalling nanopore sequencing data.
// Copyright (c) 2026 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/omics-engine/porecall/blob/master/LICENSE.txt>.

package pipeline

import (
	"reflect"
	"sync"

	"github.com/google/uuid"
)

type (
	// A ContextContainer holds collaborator-installed dependencies
	// keyed by type identity. The pipeline never instantiates domain
	// calculators itself; nodes look their dependencies up here and
	// no-op when absent.
	ContextContainer struct {
		mutex    sync.RWMutex
		contexts map[reflect.Type]interface{}
	}

	// ClientInfo travels with every read and identifies the client the
	// read belongs to, together with its context container.
	ClientInfo struct {
		ClientID uuid.UUID
		contexts ContextContainer
	}
)

// Register stores a value under the given type key. The key is
// typically an interface type obtained with reflect.TypeOf on a
// pointer-to-interface, see ContextKey.
func (c *ContextContainer) Register(key reflect.Type, value interface{}) {
	c.mutex.Lock()
	if c.contexts == nil {
		c.contexts = make(map[reflect.Type]interface{})
	}
	c.contexts[key] = value
	c.mutex.Unlock()
}

// Get returns the value registered under the given type key.
func (c *ContextContainer) Get(key reflect.Type) (interface{}, bool) {
	c.mutex.RLock()
	value, ok := c.contexts[key]
	c.mutex.RUnlock()
	return value, ok
}

// ContextKey returns the type key for an interface type. Call it as
// ContextKey((*SomeInterface)(nil)).
func ContextKey(ptr interface{}) reflect.Type {
	return reflect.TypeOf(ptr).Elem()
}

// NewClientInfo returns a client info with a fresh client id and an
// empty context container.
func NewClientInfo() *ClientInfo {
	return &ClientInfo{ClientID: uuid.New()}
}

// Contexts returns the context container of this client.
func (ci *ClientInfo) Contexts() *ContextContainer {
	return &ci.contexts
}

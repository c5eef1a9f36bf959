// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package record defines the two record types that flow through the
// statistics collection pipeline: RawData (bytes fresh off a Source) and
// ParsedData (RawData plus a parsed key/value body).
package record

import (
	"strings"
	"time"
)

// RawData is the record a Source hands to the Dispatcher after a fetch
// completes successfully.
type RawData struct {
	// ID correlates this record across Source, Parser, Filter and Storage
	// logs. Immutable after creation.
	ID string

	// Driver names the Source driver that produced this record.
	Driver string

	// URL is the fetch target: a URL, a file path, a command line. Opaque
	// to the core pipeline.
	URL string

	// Host and Port identify the logical endpoint this data describes.
	// They may differ from URL.
	Host string
	Port string

	// FetchStartTime and FetchDoneTime bound the fetch that produced this
	// record. FetchStartTime <= FetchDoneTime always holds.
	FetchStartTime time.Time
	FetchDoneTime  time.Time

	// Content is the opaque payload a Parser will turn into a body map.
	Content []byte

	// ParserNames, FilterNames and StorageNames are the ordered name lists
	// requested by the originating Source. Any may be empty: empty
	// ParserNames means "use DEFAULT", empty StorageNames means
	// "broadcast to every registered Storage".
	ParserNames  []string
	FilterNames  []string
	StorageNames []string

	// DebugParsedData propagates a debug-logging request to downstream
	// stages.
	DebugParsedData bool
}

// Clone returns a deep-enough copy of r: slices are copied so that a
// downstream stage mutating its own copy of the name lists cannot affect
// the original record.
func (r RawData) Clone() RawData {
	c := r
	c.Content = append([]byte(nil), r.Content...)
	c.ParserNames = append([]string(nil), r.ParserNames...)
	c.FilterNames = append([]string(nil), r.FilterNames...)
	c.StorageNames = append([]string(nil), r.StorageNames...)
	return c
}

// Signature renders the stable "[<name> :: <id>]" correlation signature
// used throughout the error taxonomy (spec §7): name is whichever stage
// name the caller is logging on behalf of.
func (r RawData) Signature(name string) string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(name)
	b.WriteString(" :: ")
	b.WriteString(r.ID)
	b.WriteByte(']')
	return b.String()
}

// Body is an ordered string-keyed scalar map. A plain map loses
// insertion order, which several filters (Simple's template
// substitution order in logs, FetchMeta's injected keys following the
// original ones) rely on for deterministic output, so Body carries its own
// key order alongside the values.
type Body struct {
	order  []string
	values map[string]interface{}
}

// NewBody returns an empty, ready-to-use Body.
func NewBody() *Body {
	return &Body{values: make(map[string]interface{})}
}

// Set inserts or replaces key's value, preserving original insertion
// position on replace.
func (b *Body) Set(key string, value interface{}) {
	if _, ok := b.values[key]; !ok {
		b.order = append(b.order, key)
	}
	b.values[key] = value
}

// Delete removes key if present.
func (b *Body) Delete(key string) {
	if _, ok := b.values[key]; !ok {
		return
	}
	delete(b.values, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Get returns key's value and whether it was present.
func (b *Body) Get(key string) (interface{}, bool) {
	v, ok := b.values[key]
	return v, ok
}

// Len reports the number of keys.
func (b *Body) Len() int { return len(b.order) }

// Keys returns the keys in insertion order. The returned slice must not
// be mutated by the caller.
func (b *Body) Keys() []string { return b.order }

// Clone returns an independent copy of b.
func (b *Body) Clone() *Body {
	c := NewBody()
	for _, k := range b.order {
		c.Set(k, b.values[k])
	}
	return c
}

// Range calls fn for every key in insertion order, stopping early if fn
// returns false.
func (b *Body) Range(fn func(key string, value interface{}) bool) {
	for _, k := range b.order {
		if !fn(k, b.values[k]) {
			return
		}
	}
}

// ParsedData extends RawData with a parsed key/value body and the
// deferral counter Storage drivers increment on every failed delivery
// attempt.
type ParsedData struct {
	RawData

	Body *Body

	// DeferCount starts at zero and monotonically increases: it is
	// incremented exactly once each time a Storage enqueues this record
	// to its deferral spool (spec §3.1 invariants).
	DeferCount int
}

// NewParsedData builds a ParsedData inheriting all envelope metadata
// from raw, with a fresh empty body.
func NewParsedData(raw RawData) *ParsedData {
	return &ParsedData{RawData: raw, Body: NewBody()}
}

// Clone returns a deep copy, including the body and its key order.
func (p *ParsedData) Clone() *ParsedData {
	return &ParsedData{
		RawData:    p.RawData.Clone(),
		Body:       p.Body.Clone(),
		DeferCount: p.DeferCount,
	}
}

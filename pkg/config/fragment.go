// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config implements configuration fragment ingestion (spec
// §6.3): a fragment is a brace-wrapped, comment-stripped block of text
// that decodes into one named object of Parser/Filter/Source/Storage
// configuration keys, read with spf13/viper and decoded with
// mitchellh/mapstructure, over an injected spf13/afero filesystem.
package config

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Fragment is one parsed configuration object: name plus its decoded
// key/value map, ready for mapstructure.Decode into a Parser/Filter/
// Source/Storage Spec.
type Fragment struct {
	Name   string
	Path   string
	Values map[string]interface{}
}

// DecodeHook is the mapstructure decode hook every Spec decode in this
// package uses: string-to-duration and string-to-slice conversion, so
// fragment authors can write "30s" and "a,b,c" instead of nested
// structures.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Decode decodes values into out using DecodeHook.
func Decode(values map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: DecodeHook(),
		Result:     out,
	})
	if err != nil {
		return fmt.Errorf("building decoder: %w", err)
	}
	return dec.Decode(values)
}

// trimFragment strips blank and '#'-prefixed comment lines, then wraps
// the remaining buffer in outer braces if it isn't already
// brace-delimited (spec §6.3).
func trimFragment(raw []byte) ([]byte, error) {
	var kept []string
	for _, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		kept = append(kept, trimmed)
	}
	body := strings.TrimSpace(strings.Join(kept, "\n"))
	if body == "" {
		return nil, fmt.Errorf("empty configuration fragment")
	}
	if !strings.HasPrefix(body, "{") {
		body = "{" + body + "}"
	}
	return []byte(body), nil
}

// ParseFragment parses one fragment's raw text into a key/value map.
// name defaults are the caller's responsibility; ParseFragment only
// handles the trim/brace-wrap/decode step.
func ParseFragment(raw []byte) (map[string]interface{}, error) {
	wrapped, err := trimFragment(raw)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(wrapped)); err != nil {
		return nil, fmt.Errorf("parsing configuration fragment: %w", err)
	}
	return v.AllSettings(), nil
}

// LoadFile reads and parses a single fragment file. Its Fragment.Name
// defaults to the file's basename minus extension unless the fragment
// itself sets a "name" key.
func LoadFile(fs afero.Fs, path string) (Fragment, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return Fragment{}, fmt.Errorf("reading configuration fragment %q: %w", path, err)
	}

	values, err := ParseFragment(raw)
	if err != nil {
		return Fragment{}, fmt.Errorf("%s: %w", path, err)
	}

	name := defaultFragmentName(path)
	if n, ok := values["name"]; ok {
		if s, ok := n.(string); ok && s != "" {
			name = s
		}
	}

	return Fragment{Name: name, Path: path, Values: values}, nil
}

func defaultFragmentName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadGlob resolves pattern against dir's immediate entries (a
// directory is loaded as "every file directly inside it", a glob
// pattern is matched by gobwas/glob against file basenames) and loads
// each match as one Fragment, sorted by path for deterministic
// registration order. Every file's load error is accumulated instead
// of aborting the rest of the directory.
func LoadGlob(fs afero.Fs, dir string, pattern string) ([]Fragment, error) {
	info, err := fs.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("statting configuration source %q: %w", dir, err)
	}
	if !info.IsDir() {
		f, err := LoadFile(fs, dir)
		if err != nil {
			return nil, err
		}
		return []Fragment{f}, nil
	}

	var g glob.Glob
	if pattern != "" {
		g, err = glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration glob %q: %w", pattern, err)
		}
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("listing configuration directory %q: %w", dir, err)
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if g != nil && !g.Match(entry.Name()) {
			continue
		}
		matches = append(matches, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(matches)

	var fragments []Fragment
	var errs *multierror.Error
	for _, path := range matches {
		f, err := LoadFile(fs, path)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		fragments = append(fragments, f)
	}
	return fragments, errs.ErrorOrNil()
}

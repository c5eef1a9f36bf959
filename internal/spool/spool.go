// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package spool implements the on-disk deferral spool shared by every
// Storage (spec §6.1): a self-describing, forward-compatible
// serialization of a ParsedData, one file per deferred record, named
// `<storageName>-<fetchStartTime>-<id>.deferred`.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"

	"github.com/bfg/statcollector/pkg/record"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const suffix = ".deferred"

// kv is one ordered Body entry; a plain map would lose the insertion
// order Body.Range relies on.
type kv struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// envelope is the on-disk shape. Every RawData/ParsedData field has an
// explicit JSON tag so the format survives field reordering or renaming
// in Go without breaking files already on disk.
type envelope struct {
	FormatVersion int    `json:"formatVersion"`
	ID            string `json:"id"`
	Driver        string `json:"driver"`
	URL           string `json:"url"`
	Host          string `json:"host"`
	Port          string `json:"port"`
	FetchStartUnixNano int64 `json:"fetchStartUnixNano"`
	FetchDoneUnixNano  int64 `json:"fetchDoneUnixNano"`
	ParserNames   []string `json:"parserNames"`
	FilterNames   []string `json:"filterNames"`
	StorageNames  []string `json:"storageNames"`
	Body          []kv     `json:"body"`
	DeferCount    int      `json:"deferCount"`
}

const currentFormatVersion = 1

// FileName returns the spool filename for p under storageName, per
// spec §6.1's `<storageName>-<fetchStartTime>-<id>.deferred` convention.
func FileName(storageName string, p *record.ParsedData) string {
	return fmt.Sprintf("%s-%d-%s%s", storageName, p.FetchStartTime.UnixNano(), p.ID, suffix)
}

// Write serializes p into dir/FileName(...), chmod'd to mode. Returns
// the full path written.
func Write(fs afero.Fs, dir, storageName string, p *record.ParsedData, mode os.FileMode) (string, error) {
	env := toEnvelope(p)
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling spool record %s: %w", p.Signature(storageName), err)
	}

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating spool dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName(storageName, p))
	if err := afero.WriteFile(fs, path, data, mode); err != nil {
		return "", fmt.Errorf("writing spool file %s: %w", path, err)
	}
	if err := fs.Chmod(path, mode); err != nil {
		return "", fmt.Errorf("chmod spool file %s: %w", path, err)
	}
	return path, nil
}

// Read deserializes the spool file at path. A malformed file returns an
// error; callers must fail closed by deleting it (spec §6.1).
func Read(fs afero.Fs, path string) (*record.ParsedData, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading spool file %s: %w", path, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding spool file %s: %w", path, err)
	}
	if env.FormatVersion > currentFormatVersion {
		return nil, fmt.Errorf("spool file %s: unsupported format version %d", path, env.FormatVersion)
	}
	return fromEnvelope(env), nil
}

// Delete removes the spool file at path, tolerating its prior removal.
func Delete(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting spool file %s: %w", path, err)
	}
	return nil
}

// List returns every storageName's spool file under dir, oldest first
// (sorted lexically, which sorts by embedded fetchStartTime first since
// it is the leading numeric field after the storage name prefix).
func List(fs afero.Fs, dir, storageName string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing spool dir %s: %w", dir, err)
	}

	prefix := storageName + "-"
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasPrefix(n, prefix) && strings.HasSuffix(n, suffix) {
			names = append(names, filepath.Join(dir, n))
		}
	}
	sort.Strings(names)
	return names, nil
}

func toEnvelope(p *record.ParsedData) envelope {
	env := envelope{
		FormatVersion:      currentFormatVersion,
		ID:                 p.ID,
		Driver:             p.Driver,
		URL:                p.URL,
		Host:               p.Host,
		Port:               p.Port,
		FetchStartUnixNano: p.FetchStartTime.UnixNano(),
		FetchDoneUnixNano:  p.FetchDoneTime.UnixNano(),
		ParserNames:        p.ParserNames,
		FilterNames:        p.FilterNames,
		StorageNames:       p.StorageNames,
		DeferCount:         p.DeferCount,
	}
	p.Body.Range(func(key string, value interface{}) bool {
		env.Body = append(env.Body, kv{Key: key, Value: value})
		return true
	})
	return env
}

func fromEnvelope(env envelope) *record.ParsedData {
	raw := record.RawData{
		ID:             env.ID,
		Driver:         env.Driver,
		URL:            env.URL,
		Host:           env.Host,
		Port:           env.Port,
		FetchStartTime: time.Unix(0, env.FetchStartUnixNano).UTC(),
		FetchDoneTime:  time.Unix(0, env.FetchDoneUnixNano).UTC(),
		ParserNames:    env.ParserNames,
		FilterNames:    env.FilterNames,
		StorageNames:   env.StorageNames,
	}
	p := record.NewParsedData(raw)
	for _, e := range env.Body {
		p.Body.Set(e.Key, e.Value)
	}
	p.DeferCount = env.DeferCount
	return p
}

// ParseID extracts the storageName, fetchStartTime and record id encoded
// in a spool filename, for diagnostics.
func ParseID(path string) (storageName string, fetchStartNano int64, id string, err error) {
	base := strings.TrimSuffix(filepath.Base(path), suffix)
	parts := strings.SplitN(base, "-", 3)
	if len(parts) != 3 {
		return "", 0, "", fmt.Errorf("malformed spool filename %s", path)
	}
	nano, convErr := strconv.ParseInt(parts[1], 10, 64)
	if convErr != nil {
		return "", 0, "", fmt.Errorf("malformed spool filename %s: %w", path, convErr)
	}
	return parts[0], nano, parts[2], nil
}

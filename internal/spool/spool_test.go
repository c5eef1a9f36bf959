// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package spool

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfg/statcollector/pkg/record"
)

func sampleParsedData() *record.ParsedData {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw := record.RawData{
		ID: "abc123", Driver: "http", URL: "http://x", Host: "h1", Port: "9090",
		FetchStartTime: start, FetchDoneTime: start.Add(time.Second),
		ParserNames: []string{"DEFAULT"}, FilterNames: []string{"f1"}, StorageNames: []string{"zabbix"},
	}
	p := record.NewParsedData(raw)
	p.Body.Set("cpu", 1.5)
	p.Body.Set("mem", "2048")
	p.DeferCount = 2
	return p
}

func TestWriteReadRoundTrips(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := sampleParsedData()

	path, err := Write(fs, "/spool", "zabbix", p, 0o600)
	require.NoError(t, err)

	got, err := Read(fs, path)
	require.NoError(t, err)

	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.Driver, got.Driver)
	assert.Equal(t, p.Host, got.Host)
	assert.Equal(t, p.Port, got.Port)
	assert.True(t, p.FetchStartTime.Equal(got.FetchStartTime))
	assert.True(t, p.FetchDoneTime.Equal(got.FetchDoneTime))
	assert.Equal(t, p.ParserNames, got.ParserNames)
	assert.Equal(t, p.FilterNames, got.FilterNames)
	assert.Equal(t, p.StorageNames, got.StorageNames)
	assert.Equal(t, p.DeferCount, got.DeferCount)
	assert.Equal(t, p.Body.Keys(), got.Body.Keys())
	v, ok := got.Body.Get("cpu")
	assert.True(t, ok)
	assert.EqualValues(t, 1.5, v)
}

func TestFileNameEncodesStorageNameTimeAndID(t *testing.T) {
	p := sampleParsedData()
	name := FileName("zabbix", p)
	assert.Contains(t, name, "zabbix-")
	assert.Contains(t, name, "abc123")
	assert.Contains(t, name, suffix)
}

func TestReadMalformedFileFailsClosed(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/spool/broken.deferred", []byte("not json"), 0o600))

	_, err := Read(fs, "/spool/broken.deferred")
	assert.Error(t, err)
}

func TestListFiltersByStorageNamePrefixAndSortsOldestFirst(t *testing.T) {
	fs := afero.NewMemMapFs()
	older := sampleParsedData()
	older.FetchStartTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := sampleParsedData()
	newer.ID = "zzz999"
	newer.FetchStartTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := Write(fs, "/spool", "zabbix", older, 0o600)
	require.NoError(t, err)
	_, err = Write(fs, "/spool", "zabbix", newer, 0o600)
	require.NoError(t, err)
	_, err = Write(fs, "/spool", "dummy", sampleParsedData(), 0o600)
	require.NoError(t, err)

	names, err := List(fs, "/spool", "zabbix")
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Contains(t, names[0], "abc123")
	assert.Contains(t, names[1], "zzz999")
}

func TestListOnMissingDirReturnsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	names, err := List(fs, "/nope", "zabbix")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDeleteToleratesMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NoError(t, Delete(fs, "/spool/nonexistent.deferred"))
}

func TestParseIDExtractsComponents(t *testing.T) {
	p := sampleParsedData()
	name := FileName("zabbix", p)
	storageName, nano, id, err := ParseID(name)
	require.NoError(t, err)
	assert.Equal(t, "zabbix", storageName)
	assert.Equal(t, p.FetchStartTime.UnixNano(), nano)
	assert.Equal(t, p.ID, id)
}

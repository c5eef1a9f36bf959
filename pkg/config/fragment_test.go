// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFragmentWrapsBareBody(t *testing.T) {
	values, err := ParseFragment([]byte(`"driver": "TextSimple", "checkInterval": "30s"`))
	require.NoError(t, err)
	assert.Equal(t, "TextSimple", values["driver"])
	assert.Equal(t, "30s", values["checkinterval"])
}

func TestParseFragmentAcceptsAlreadyBraced(t *testing.T) {
	values, err := ParseFragment([]byte(`{"driver": "Zabbix"}`))
	require.NoError(t, err)
	assert.Equal(t, "Zabbix", values["driver"])
}

func TestParseFragmentStripsBlankAndCommentLines(t *testing.T) {
	values, err := ParseFragment([]byte("# a comment\n\n\"driver\": \"Zabbix\"\n# trailing\n"))
	require.NoError(t, err)
	assert.Equal(t, "Zabbix", values["driver"])
}

func TestParseFragmentRejectsEmptyFragment(t *testing.T) {
	_, err := ParseFragment([]byte("# only comments\n\n"))
	assert.Error(t, err)
}

func TestParseFragmentRejectsInvalidSyntax(t *testing.T) {
	_, err := ParseFragment([]byte(`not: valid: json: at: all`))
	assert.Error(t, err)
}

func TestDecodeAppliesDurationAndSliceHooks(t *testing.T) {
	type spec struct {
		CheckInterval time.Duration `mapstructure:"checkInterval"`
		UseFilter     []string      `mapstructure:"useFilter"`
	}
	var s spec
	require.NoError(t, Decode(map[string]interface{}{
		"checkInterval": "45s",
		"useFilter":     "a,b,c",
	}, &s))
	assert.Equal(t, 45*time.Second, s.CheckInterval)
	assert.Equal(t, []string{"a", "b", "c"}, s.UseFilter)
}

func TestLoadFileDefaultsNameToBasename(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg/web01.conf", []byte(`"driver": "HTTP"`), 0o644))

	f, err := LoadFile(fs, "/cfg/web01.conf")
	require.NoError(t, err)
	assert.Equal(t, "web01", f.Name)
	assert.Equal(t, "HTTP", f.Values["driver"])
}

func TestLoadFileHonorsExplicitNameKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg/web01.conf", []byte(`"name": "custom", "driver": "HTTP"`), 0o644))

	f, err := LoadFile(fs, "/cfg/web01.conf")
	require.NoError(t, err)
	assert.Equal(t, "custom", f.Name)
}

func TestLoadGlobLoadsEveryFileInDirectorySortedByPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg/b.conf", []byte(`"driver": "B"`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/cfg/a.conf", []byte(`"driver": "A"`), 0o644))

	fragments, err := LoadGlob(fs, "/cfg", "")
	require.NoError(t, err)
	require.Len(t, fragments, 2)
	assert.Equal(t, "a", fragments[0].Name)
	assert.Equal(t, "b", fragments[1].Name)
}

func TestLoadGlobFiltersByPattern(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg/web01.conf", []byte(`"driver": "A"`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/cfg/notes.txt", []byte(`"driver": "B"`), 0o644))

	fragments, err := LoadGlob(fs, "/cfg", "*.conf")
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, "web01", fragments[0].Name)
}

func TestLoadGlobLoadsSingleFileDirectly(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg/solo.conf", []byte(`"driver": "A"`), 0o644))

	fragments, err := LoadGlob(fs, "/cfg/solo.conf", "")
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, "solo", fragments[0].Name)
}

func TestLoadGlobAccumulatesPerFileErrorsAndKeepsGoodOnes(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg/a.conf", []byte(`"driver": "A"`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/cfg/bad.conf", []byte("# only comments\n"), 0o644))

	fragments, err := LoadGlob(fs, "/cfg", "")
	assert.Error(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, "a", fragments[0].Name)
}

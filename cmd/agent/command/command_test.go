// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spf13/afero"
)

func TestMakeCommandRegistersRunSubcommandAndPersistentFlags(t *testing.T) {
	root := MakeCommand()

	assert.NotNil(t, root.PersistentFlags().Lookup("cfgdir"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))

	require.Len(t, root.Commands(), 1)
	assert.Equal(t, "run", root.Commands()[0].Use)
}

func TestLoadFragmentsToleratesMissingDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	fragments, err := loadFragments(fs, "/etc/statcollector/filters")
	require.NoError(t, err)
	assert.Empty(t, fragments)
}

func TestLoadFragmentsReadsExistingDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/statcollector/parsers/p1.conf", []byte(`"driver": "TextSimple"`), 0o644))

	fragments, err := loadFragments(fs, "/etc/statcollector/parsers")
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, "p1", fragments[0].Name)
}

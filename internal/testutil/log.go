// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package testutil holds small fixtures shared across the pipeline
// stages' test suites.
package testutil

import (
	"io"

	"github.com/sirupsen/logrus"
)

// DiscardLogger returns a logrus entry that writes nowhere, for tests
// that only care about log-driven side effects through counters, not
// captured output.
func DiscardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

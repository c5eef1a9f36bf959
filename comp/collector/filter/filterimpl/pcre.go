// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package filterimpl

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"

	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/pkg/record"
)

// PCREDriverName rewrites keys with a sequence of regex rules (spec
// §4.3). A replacement of DELETE/REMOVE drops the key. Unmatched keys
// pass through unchanged. Go's RE2 engine (stdlib regexp) stands in for
// true PCRE: no ecosystem library in the parent codebase's dependency
// closure binds real PCRE, and RE2 covers the rule-file syntax the spec
// describes (pattern/replacement pairs, no PCRE-only backreference
// lookaround).
const PCREDriverName = "PCRE"

// deleteMarker values mean "drop this key", spec §4.3.
var deleteMarkers = map[string]bool{"DELETE": true, "REMOVE": true}

func init() {
	registerDriver(PCREDriverName, newPCREDriver)
}

type pcreRule struct {
	re          *regexp.Regexp
	replacement string
	delete      bool
}

type pcreConfig struct {
	RulesFile string   `mapstructure:"rulesFile"`
	Rules     []string `mapstructure:"rules"` // "pattern => replacement", inline alternative to RulesFile
}

type pcreDriver struct {
	rules []pcreRule
}

// FS is the filesystem PCRE rule files are read from. Overridable in
// tests (spec §10.3's afero-backed filesystem abstraction).
var FS afero.Fs = afero.NewOsFs()

func newPCREDriver(cfg map[string]interface{}, _ filterdef.Registry) (filterdef.Driver, error) {
	var c pcreConfig
	if err := mapstructure.Decode(cfg, &c); err != nil {
		return nil, fmt.Errorf("decoding PCRE config: %w", err)
	}

	var lines []string
	if c.RulesFile != "" {
		fileLines, err := readRuleFile(c.RulesFile)
		if err != nil {
			return nil, err
		}
		lines = append(lines, fileLines...)
	}
	lines = append(lines, c.Rules...)

	rules, err := compileRules(lines)
	if err != nil {
		return nil, err
	}
	return &pcreDriver{rules: rules}, nil
}

func readRuleFile(path string) ([]string, error) {
	f, err := FS.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PCRE rules file %q: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func compileRules(lines []string) ([]pcreRule, error) {
	var rules []pcreRule
	for _, line := range lines {
		pattern, replacement, ok := strings.Cut(line, "=>")
		if !ok {
			return nil, fmt.Errorf("invalid PCRE rule (expected \"pattern => replacement\"): %q", line)
		}
		pattern = strings.TrimSpace(pattern)
		replacement = strings.TrimSpace(replacement)

		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid PCRE pattern %q: %w", pattern, err)
		}
		rules = append(rules, pcreRule{re: re, replacement: replacement, delete: deleteMarkers[replacement]})
	}
	return rules, nil
}

func (d *pcreDriver) FilterBody(p *record.ParsedData) (bool, error) {
	if len(d.rules) == 0 {
		return true, nil
	}
	rewritten := record.NewBody()
	p.Body.Range(func(key string, value interface{}) bool {
		newKey := key
		dropped := false
		for _, rule := range d.rules {
			if !rule.re.MatchString(newKey) {
				continue
			}
			if rule.delete {
				dropped = true
				break
			}
			newKey = rule.re.ReplaceAllString(newKey, rule.replacement)
		}
		if !dropped {
			rewritten.Set(newKey, value)
		}
		return true
	})
	p.Body = rewritten
	return true, nil
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package filterimpl

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/pkg/record"
)

// SimpleDriverName prefixes/suffixes every key, expanding %{HOSTNAME},
// %{PORT} and %{otherKey} template tokens (spec §4.3).
const SimpleDriverName = "Simple"

func init() {
	registerDriver(SimpleDriverName, newSimpleDriver)
}

type simpleConfig struct {
	Prefix string `mapstructure:"prefix"`
	Suffix string `mapstructure:"suffix"`
}

type simpleDriver struct {
	cfg simpleConfig
}

func newSimpleDriver(cfg map[string]interface{}, _ filterdef.Registry) (filterdef.Driver, error) {
	var c simpleConfig
	if err := mapstructure.Decode(cfg, &c); err != nil {
		return nil, fmt.Errorf("decoding Simple config: %w", err)
	}
	return &simpleDriver{cfg: c}, nil
}

var templateToken = regexp.MustCompile(`%\{([A-Za-z0-9_]+)\}`)

// expandTemplate substitutes %{HOSTNAME}, %{PORT} and %{key} (looked up
// in body) tokens. An unresolved token is left verbatim.
func expandTemplate(tmpl string, p *record.ParsedData) string {
	return templateToken.ReplaceAllStringFunc(tmpl, func(tok string) string {
		name := tok[2 : len(tok)-1]
		switch name {
		case "HOSTNAME":
			return p.Host
		case "PORT":
			return p.Port
		default:
			if v, ok := p.Body.Get(name); ok {
				return fmt.Sprintf("%v", v)
			}
			return tok
		}
	})
}

func (d *simpleDriver) FilterBody(p *record.ParsedData) (bool, error) {
	if d.cfg.Prefix == "" && d.cfg.Suffix == "" {
		return true, nil
	}
	prefix := expandTemplate(d.cfg.Prefix, p)
	suffix := expandTemplate(d.cfg.Suffix, p)

	renamed := record.NewBody()
	p.Body.Range(func(key string, value interface{}) bool {
		var b strings.Builder
		b.WriteString(prefix)
		b.WriteString(key)
		b.WriteString(suffix)
		renamed.Set(b.String(), value)
		return true
	})
	p.Body = renamed
	return true, nil
}

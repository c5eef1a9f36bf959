// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package filterimpl

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/pkg/record"
)

// FetchMetaDriverName injects fetch-envelope fields into the body as
// ordinary keys (spec §4.3): id, driver, url, fetch duration, payload
// size.
const FetchMetaDriverName = "FetchMeta"

func init() {
	registerDriver(FetchMetaDriverName, newFetchMetaDriver)
}

type fetchMetaConfig struct {
	ClearBody bool   `mapstructure:"clearBody"`
	Prefix    string `mapstructure:"prefix"`
}

type fetchMetaDriver struct {
	cfg fetchMetaConfig
}

func newFetchMetaDriver(cfg map[string]interface{}, _ filterdef.Registry) (filterdef.Driver, error) {
	var c fetchMetaConfig
	if err := mapstructure.Decode(cfg, &c); err != nil {
		return nil, fmt.Errorf("decoding FetchMeta config: %w", err)
	}
	return &fetchMetaDriver{cfg: c}, nil
}

func (d *fetchMetaDriver) FilterBody(p *record.ParsedData) (bool, error) {
	body := p.Body
	if d.cfg.ClearBody {
		body = record.NewBody()
	}

	set := func(key string, value interface{}) {
		body.Set(d.cfg.Prefix+key, value)
	}
	set("id", p.ID)
	set("driver", p.Driver)
	set("url", p.URL)
	set("fetchDurationSeconds", p.FetchDoneTime.Sub(p.FetchStartTime).Seconds())
	set("payloadSize", len(p.Content))

	p.Body = body
	return true, nil
}

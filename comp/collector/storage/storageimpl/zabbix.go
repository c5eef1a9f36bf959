// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storageimpl

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/bfg/statcollector/comp/collector/storage/storagedef"
	"github.com/bfg/statcollector/pkg/record"
)

// ZabbixDriverName emits records to a Zabbix trapper, in either of two
// wire submodes (spec §4.5, §6.2): "sender" shells out to the
// zabbix_sender binary, "tcp" speaks the ZBXD frame protocol directly.
const ZabbixDriverName = "Zabbix"

func init() {
	registerDriver(ZabbixDriverName, newZabbixDriver)
}

const (
	zbxFrameHeader     = "ZBXD"
	zbxFrameVersion    = 0x01
	defaultConcurrency = 4
	defaultDNSRefresh  = 10 * time.Minute
)

type zabbixConfig struct {
	Submode string `mapstructure:"submode"` // "sender" or "tcp"

	KeyPrefix string `mapstructure:"keyPrefix"`

	// sender submode
	SenderBinary  string        `mapstructure:"senderBinary"`
	SenderTimeout time.Duration `mapstructure:"senderTimeout"`
	Concurrency   int           `mapstructure:"concurrency"`
	QueueInterval time.Duration `mapstructure:"queueInterval"`

	// tcp submode
	ZabbixServer     string        `mapstructure:"zabbixServer"`
	ZabbixServerPort int           `mapstructure:"zabbixServerPort"`
	TCPTimeout       time.Duration `mapstructure:"tcpTimeout"`
	DNSRefresh       time.Duration `mapstructure:"dnsRefresh"`
}

var processedFailedTotalRE = regexp.MustCompile(`(?i)processed:?\s*(\d+).*?failed:?\s*(\d+).*?total:?\s*(\d+)`)

type zabbixDriver struct {
	cfg zabbixConfig

	// sender submode queue
	mu       sync.Mutex
	queue    []*senderJob
	sem      chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}

	// tcp submode DNS cache
	dnsMu        sync.Mutex
	resolvedIP   string
	lastResolved time.Time
}

type senderJob struct {
	ctx  context.Context
	p    *record.ParsedData
	done func(storagedef.StoreResult, error)
}

func newZabbixDriver(cfg map[string]interface{}) (storagedef.Driver, error) {
	c := zabbixConfig{
		Submode:       "sender",
		SenderBinary:  "zabbix_sender",
		SenderTimeout: 10 * time.Second,
		Concurrency:   defaultConcurrency,
		QueueInterval: time.Second,
		ZabbixServerPort: 10051,
		TCPTimeout:    5 * time.Second,
		DNSRefresh:    defaultDNSRefresh,
	}
	if err := mapstructure.Decode(cfg, &c); err != nil {
		return nil, fmt.Errorf("decoding Zabbix config: %w", err)
	}
	if c.Submode != "sender" && c.Submode != "tcp" {
		return nil, fmt.Errorf("Zabbix: unknown submode %q, must be \"sender\" or \"tcp\"", c.Submode)
	}
	if c.Submode == "tcp" && c.ZabbixServer == "" {
		return nil, fmt.Errorf("Zabbix: tcp submode requires zabbixServer")
	}

	d := &zabbixDriver{cfg: c}
	if c.Submode == "sender" {
		if c.Concurrency <= 0 {
			c.Concurrency = defaultConcurrency
			d.cfg = c
		}
		d.sem = make(chan struct{}, c.Concurrency)
		d.stopCh = make(chan struct{})
		go d.runQueueLoop()
	}
	return d, nil
}

func (d *zabbixDriver) DriverStore(ctx context.Context, _ string, p *record.ParsedData, done func(storagedef.StoreResult, error)) {
	if d.cfg.Submode == "tcp" {
		go d.sendTCP(ctx, p, done)
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, &senderJob{ctx: ctx, p: p, done: done})
	d.mu.Unlock()
}

// runQueueLoop flushes the sender queue every queueInterval, launching
// up to `concurrency` in-flight zabbix_sender subprocesses at a time
// (spec §4.5).
func (d *zabbixDriver) runQueueLoop() {
	ticker := time.NewTicker(d.cfg.QueueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.flushQueue()
		}
	}
}

func (d *zabbixDriver) flushQueue() {
	for {
		select {
		case d.sem <- struct{}{}:
		default:
			return // concurrency limit reached
		}

		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			<-d.sem
			return
		}
		job := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		go func(j *senderJob) {
			defer func() { <-d.sem }()
			d.runSenderJob(j)
		}(job)
	}
}

func (d *zabbixDriver) runSenderJob(job *senderJob) {
	tmp, err := os.CreateTemp("", "zbx-sender-*.txt")
	if err != nil {
		job.done(storagedef.StoreResult{}, fmt.Errorf("Zabbix sender: creating temp file: %w", err))
		return
	}
	defer os.Remove(tmp.Name())

	n := writeSenderLines(tmp, job.p, d.cfg.KeyPrefix)
	if err := tmp.Close(); err != nil {
		job.done(storagedef.StoreResult{}, fmt.Errorf("Zabbix sender: closing temp file: %w", err))
		return
	}
	if n == 0 {
		job.done(storagedef.StoreResult{KeysStored: 0}, nil)
		return
	}

	ctx, cancel := context.WithTimeout(job.ctx, d.cfg.SenderTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.cfg.SenderBinary, "-z", d.cfg.ZabbixServer, "-i", tmp.Name())
	out, runErr := cmd.CombinedOutput()

	processed, _, _, parseErr := parseProcessedFailedTotal(string(out))
	if parseErr != nil {
		job.done(storagedef.StoreResult{}, fmt.Errorf("Zabbix sender: unparsable output %q: %w", out, parseErr))
		return
	}
	if processed < 1 {
		job.done(storagedef.StoreResult{}, fmt.Errorf("Zabbix sender: %d of %d keys processed (run error: %v)", processed, n, runErr))
		return
	}
	job.done(storagedef.StoreResult{KeysStored: processed}, nil)
}

func writeSenderLines(w *os.File, p *record.ParsedData, prefix string) int {
	ts := p.FetchDoneTime.Unix()
	count := 0
	p.Body.Range(func(key string, value interface{}) bool {
		fmt.Fprintf(w, "%s\t%s%s\t%d\t%v\n", p.Host, prefix, key, ts, value)
		count++
		return true
	})
	return count
}

func parseProcessedFailedTotal(output string) (processed, failed, total int, err error) {
	m := processedFailedTotalRE.FindStringSubmatch(output)
	if m == nil {
		return 0, 0, 0, fmt.Errorf("no \"Processed N Failed M Total T\" line found")
	}
	processed, _ = strconv.Atoi(m[1])
	failed, _ = strconv.Atoi(m[2])
	total, _ = strconv.Atoi(m[3])
	return processed, failed, total, nil
}

// sendTCP implements the ZBXD framed JSON protocol (spec §6.2).
func (d *zabbixDriver) sendTCP(ctx context.Context, p *record.ParsedData, done func(storagedef.StoreResult, error)) {
	ip, err := d.resolveServer()
	if err != nil {
		done(storagedef.StoreResult{}, fmt.Errorf("Zabbix tcp: resolving %q: %w", d.cfg.ZabbixServer, err))
		return
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(d.cfg.ZabbixServerPort))
	dialer := net.Dialer{Timeout: d.cfg.TCPTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		done(storagedef.StoreResult{}, fmt.Errorf("Zabbix tcp: dialing %s: %w", addr, err))
		return
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.TCPTimeout))
	}

	body, n := buildZabbixJSON(p, d.cfg.KeyPrefix)
	if n == 0 {
		done(storagedef.StoreResult{}, nil)
		return
	}
	frame, err := encodeZBXDFrame(body)
	if err != nil {
		done(storagedef.StoreResult{}, fmt.Errorf("Zabbix tcp: encoding frame: %w", err))
		return
	}
	if _, err := conn.Write(frame); err != nil {
		done(storagedef.StoreResult{}, fmt.Errorf("Zabbix tcp: writing frame: %w", err))
		return
	}

	respBody, err := decodeZBXDFrame(conn)
	if err != nil {
		done(storagedef.StoreResult{}, fmt.Errorf("Zabbix tcp: reading response: %w", err))
		return
	}

	var resp struct {
		Response string `json:"response"`
		Info     string `json:"info"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		done(storagedef.StoreResult{}, fmt.Errorf("Zabbix tcp: decoding response json: %w", err))
		return
	}
	processed, _, _, parseErr := parseProcessedFailedTotal(resp.Info)
	if resp.Response != "success" || parseErr != nil || processed < 1 {
		done(storagedef.StoreResult{}, fmt.Errorf("Zabbix tcp: rejected (%s: %s)", resp.Response, resp.Info))
		return
	}
	done(storagedef.StoreResult{KeysStored: processed}, nil)
}

type zbxDataPoint struct {
	Host  string      `json:"host"`
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
	Clock int64       `json:"clock"`
}

func buildZabbixJSON(p *record.ParsedData, prefix string) ([]byte, int) {
	clock := p.FetchDoneTime.Unix()
	var data []zbxDataPoint
	p.Body.Range(func(key string, value interface{}) bool {
		data = append(data, zbxDataPoint{Host: p.Host, Key: prefix + key, Value: value, Clock: clock})
		return true
	})
	body := struct {
		Request string         `json:"request"`
		Data    []zbxDataPoint `json:"data"`
		Clock   int64          `json:"clock"`
	}{Request: "sender data", Data: data, Clock: clock}

	out, _ := json.Marshal(body)
	return out, len(data)
}

// encodeZBXDFrame wraps body in the "ZBXD"\x01 + 8-byte-LE-length
// preamble (spec §6.2).
func encodeZBXDFrame(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(zbxFrameHeader)
	buf.WriteByte(zbxFrameVersion)
	lenBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenBuf, uint64(len(body)))
	buf.Write(lenBuf)
	buf.Write(body)
	return buf.Bytes(), nil
}

// decodeZBXDFrame reads one ZBXD frame from r and returns its JSON body.
func decodeZBXDFrame(r net.Conn) ([]byte, error) {
	header := make([]byte, 5)
	if _, err := readFull(r, header); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	if string(header[:4]) != zbxFrameHeader {
		return nil, fmt.Errorf("bad frame magic %q", header[:4])
	}

	lenBuf := make([]byte, 8)
	if _, err := readFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.LittleEndian.Uint64(lenBuf)

	body := make([]byte, n)
	if _, err := readFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return body, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// resolveServer returns the cached resolved IP, re-resolving every
// dnsRefresh (spec §4.5). IP literals bypass resolution entirely.
func (d *zabbixDriver) resolveServer() (string, error) {
	if ip := net.ParseIP(d.cfg.ZabbixServer); ip != nil {
		return d.cfg.ZabbixServer, nil
	}

	d.dnsMu.Lock()
	defer d.dnsMu.Unlock()
	if d.resolvedIP != "" && time.Since(d.lastResolved) < d.cfg.DNSRefresh {
		return d.resolvedIP, nil
	}

	addrs, err := net.LookupHost(d.cfg.ZabbixServer)
	if err != nil || len(addrs) == 0 {
		if d.resolvedIP != "" {
			return d.resolvedIP, nil // stale-but-usable on transient resolution failure
		}
		return "", fmt.Errorf("lookup failed: %w", err)
	}
	d.resolvedIP = addrs[0]
	d.lastResolved = time.Now()
	return d.resolvedIP, nil
}

// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/scrub/internal/server"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>scrubd status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding-left: 8px;
      padding-right: 8px;
      padding-top: 4px;
      padding-bottom: 4px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}
  </style>
</head>

<body>

<h3>scrubd</h3>

<table>
  <tr>
    <td>Pool:</td>
    <td>{{.FSID}}</td>
  </tr>
  <tr>
    <td>Address:</td>
    <td><a href="http://{{.Cfg.Addr}}">{{.Cfg.Addr}}</a></td>
  </tr>
  <tr>
    <td>Read only:</td>
    <td>{{.ReadOnly}}</td>
  </tr>
  <tr>
    <td>Rate:</td>
    <td>{{.Cfg.ScrubRate}} bytes/sec per device, {{.Cfg.BiosPerCtx}} bios of {{.Cfg.PagesPerRdBio}} pages</td>
  </tr>
  <tr>
    <td>Queued:</td>
    <td>{{.Queued.Reads}} reads, {{.Queued.Repairs}} repairs, {{.Queued.Writes}} writes; {{.RepairsInFlight}} of {{.RepairSlots}} repairs running</td>
  </tr>
  <tr>
    <td>Memory:</td>
    <td>{{byteToMB .FreeMem}}MB free of {{byteToMB .TotalMem}}MB</td>
  </tr>
  <tr>
    <td>Up since:</td>
    <td>{{.Reboot}}</td>
  </tr>
</table>

<br>

<table class="status">
  <caption>Devices</caption>
  <tr>
    <th>Dev</th>
    <th>State</th>
    <th>Range</th>
    <th>Last</th>
    <th>Started</th>
    <th>Result</th>
    <th>Progress</th>
    <th>In flight</th>
    <th>Device errors</th>
    <th>Read latency</th>
  </tr>
  {{range .Devices}}
  <tr>
    <td>{{.Dev}}</td>
    {{if .Scrubbed}}
    <td>{{.State}}</td>
    <td>{{.Start}} - {{.End}}</td>
    <td>{{.Progress.LastPhysical}}</td>
    <td>{{.Started}}</td>
    <td>{{if .Running}}-{{else if .Err}}{{.Err}}{{else}}{{.Progress.Outcome}}{{end}}</td>
    <td>{{.Progress}}</td>
    <td>{{.BiosInFlight}} bios, {{.WorkersPending}} pending, {{.MaxInFlight}} max</td>
    {{else}}
    <td colspan="7">never scrubbed</td>
    {{end}}
    <td>{{.DevStats}}</td>
    <td>{{range .Latency}}p{{pct .Q}}={{.Latency}} {{end}}</td>
  </tr>
  {{end}}
</table>

<br>
status update time: {{.Now}}
</body>
</html>
`

// devStatusData is a DevStatus plus its read latency.
type devStatusData struct {
	DevStatus
	Latency []server.Quantile
}

// queuedWork counts the requests waiting for a completion worker.
type queuedWork struct {
	Reads, Repairs, Writes int
}

// StatusData includes scrubd status info.
type StatusData struct {
	FSID     string
	Cfg      Config
	ReadOnly bool
	Queued   queuedWork

	RepairsInFlight, RepairSlots int
	FreeMem                      uint64
	TotalMem                     uint64
	Devices                      []devStatusData
	Reboot                       time.Time
	Now                          time.Time
}

// Convert bytes into mbs.
func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

func pct(q float64) string {
	return fmt.Sprintf("%g", q*100)
}

var (
	// When was the last reboot?
	reboot = time.Now()

	// Add custom functions.
	funcMap = template.FuncMap{"byteToMB": byteToMB, "pct": pct}

	// Status html template.
	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

// StatusServer serves the status page and prometheus metrics of a
// scrubber.
type StatusServer struct {
	s *Scrubber
}

// NewStatusServer returns a status server of 's'.
func NewStatusServer(s *Scrubber) *StatusServer {
	return &StatusServer{s: s}
}

// Register mounts the status page on "/" and metrics on "/metrics".
func (ss *StatusServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", ss.statusHandler)
	mux.Handle("/metrics", promhttp.Handler())
}

// statusHandler is called when an http request is received at the status port.
// If the "Accept" header is set to be "application/json", it sends json encoded
// status; otherwise it sends html.
func (ss *StatusServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		ss.handleJSON(w)
	} else {
		ss.handleHTML(w)
	}
}

// Generate status data.
func (ss *StatusServer) genStatus() StatusData {
	// Pull memory info.
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	q := ss.s.workers.queue
	var devs []devStatusData
	for _, st := range ss.s.StatusAll() {
		devs = append(devs, devStatusData{DevStatus: st, Latency: bioReadOps.Quantiles(st.Dev.String())})
	}

	return StatusData{
		FSID:     ss.s.pool.FSID().String(),
		Cfg:      *ss.s.cfg,
		ReadOnly: ss.s.ReadOnlyMode(),
		Queued: queuedWork{
			Reads:   q.pending(ReadPri),
			Repairs: q.pending(RepairPri),
			Writes:  q.pending(WritePri),
		},
		RepairsInFlight: ss.s.repairSem.InUse(),
		RepairSlots:     ss.s.repairSem.Max(),
		FreeMem:         mem.ActualFree,
		TotalMem:        mem.Total,
		Devices:         devs,
		Reboot:          reboot,
		Now:             time.Now(),
	}
}

func (ss *StatusServer) handleHTML(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, ss.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode html status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (ss *StatusServer) handleJSON(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(ss.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode json status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}

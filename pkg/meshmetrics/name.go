package meshmetrics

import "strings"

// labeledMetric builds the VictoriaMetrics metric name for base carrying a
// single label, e.g. labeledMetric("meshrtr_frames_rx_total", "type",
// "RREQ") yields `meshrtr_frames_rx_total{type="RREQ"}`.
//
// VictoriaMetrics/metrics has no labeled-vector constructor; every label a
// mesh counter or gauge carries (packet type, drop reason, retry outcome)
// is baked straight into the name string. Every registration in this
// package needs exactly one label, so there is no call for the teacher's
// general multi-label formatter that merges onto a pre-existing body.
func labeledMetric(base, key, value string) string {
	var b strings.Builder
	b.Grow(len(base) + len(key) + len(value) + len(`{="\"\"}`))
	b.WriteString(base)
	b.WriteByte('{')
	b.WriteString(key)
	b.WriteString(`="`)
	b.WriteString(value)
	b.WriteString(`"}`)
	return b.String()
}

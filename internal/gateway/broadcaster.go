package gateway

import (
	"strconv"
	"time"
)

const (
	envelopeSnapshot = "snapshot"
	envelopePong     = "pong"
)

// buildEnvelope hand-crafts {"type":..,"seq":N,"ts":"..","initial":b,"data":..}
// around pre-marshalled data.
func buildEnvelope(typ string, data []byte, now time.Time, seq int64, initial bool) []byte {
	buf := make([]byte, 0, len(typ)+len(data)+96)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, typ...)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","initial":`...)
	buf = strconv.AppendBool(buf, initial)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')
	return buf
}

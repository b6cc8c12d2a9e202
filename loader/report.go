package loader

import (
	"fmt"
	"io"

	"github.com/antJack/sofaload/config"
	"github.com/antJack/sofaload/sofarpc"
	"github.com/antJack/sofaload/stats"
)

var sizeSuffixes = []string{"", "K", "M", "G", "T"}

// formatUnit renders a byte or rate figure with a binary unit prefix
// (K, M, G, T); the caller appends the unit itself ("B", "B/s").
func formatUnit(v float64) string {
	order := 0
	for order < len(sizeSuffixes)-1 && v >= 1024 {
		v /= 1024
		order++
	}
	return fmt.Sprintf("%.2f%s", v, sizeSuffixes[order])
}

// formatDuration renders a duration in seconds with the largest unit
// that keeps the figure readable, matching the report layout.
func formatDuration(seconds float64) string {
	switch {
	case seconds >= 1:
		return fmt.Sprintf("%.2fs", seconds)
	case seconds >= 1e-3:
		return fmt.Sprintf("%.2fms", seconds*1e3)
	default:
		return fmt.Sprintf("%.0fus", seconds*1e6)
	}
}

func writeSDStatRow(w io.Writer, label string, s stats.SDStat, asDuration bool) {
	format := func(v float64) string {
		if asDuration {
			return formatDuration(v)
		}
		return fmt.Sprintf("%.2f", v)
	}
	fmt.Fprintf(w, "%s: %10s  %10s  %10s  %10s %8.2f%%\n",
		label, format(s.Min), format(s.Max), format(s.Mean), format(s.SD), s.WithinSD)
}

// Report writes the final human-readable report.
func Report(w io.Writer, cfg *config.Config, res *Result) {
	s := &res.Stats

	fmt.Fprintf(w, "\nfinished in %s, %.2f req/s, %sB/s\n",
		formatDuration(res.Duration.Seconds()), res.RPS, formatUnit(res.BPS))

	fmt.Fprintf(w, "requests: %d total, %d started, %d done, %d succeeded, %d failed, %d errored, %d timeout\n",
		res.TotalRequests, s.ReqStarted, s.ReqDone, s.ReqStatusSuccess,
		s.ReqFailed, s.ReqError, s.ReqTimedout)

	if cfg.NoTLSProto == config.ProtoSofaRPC && cfg.Scheme != "https" {
		fmt.Fprintf(w, "sofaRPC status codes:\n")
		fmt.Fprintf(w, "\t%d success, %d error, %d server exception, %d unknown\n",
			s.SofaRPCStatus[sofarpc.StatusSuccess],
			s.SofaRPCStatus[sofarpc.StatusError],
			s.SofaRPCStatus[sofarpc.StatusServerException],
			s.SofaRPCStatus[sofarpc.StatusUnknown])
		fmt.Fprintf(w, "\t%d server threadpool busy, %d error comm, %d no processor, %d timeout\n",
			s.SofaRPCStatus[sofarpc.StatusServerThreadpoolBusy],
			s.SofaRPCStatus[sofarpc.StatusErrorComm],
			s.SofaRPCStatus[sofarpc.StatusNoProcessor],
			s.SofaRPCStatus[sofarpc.StatusTimeout])
		fmt.Fprintf(w, "\t%d client send error, %d codec exception, %d connection closed, %d server serial exception\n",
			s.SofaRPCStatus[sofarpc.StatusClientSendError],
			s.SofaRPCStatus[sofarpc.StatusCodecException],
			s.SofaRPCStatus[sofarpc.StatusConnectionClosed],
			s.SofaRPCStatus[sofarpc.StatusServerSerialException])
		fmt.Fprintf(w, "\t%d server deserial exception\n",
			s.SofaRPCStatus[sofarpc.StatusServerDeserialExcept])
	} else {
		fmt.Fprintf(w, "status codes: %d 2xx, %d 3xx, %d 4xx, %d 5xx\n",
			s.Status[2], s.Status[3], s.Status[4], s.Status[5])
	}

	fmt.Fprintf(w, "traffic: %sB (%d) total, %sB (%d) headers (space savings %.2f%%), %sB (%d) data\n",
		formatUnit(float64(s.BytesTotal)), s.BytesTotal,
		formatUnit(float64(s.BytesHead)), s.BytesHead,
		res.HeaderSpaceSavings*100,
		formatUnit(float64(s.BytesBody)), s.BytesBody)

	fmt.Fprintf(w, "                            min         max        mean          sd      +/- sd\n")
	writeSDStatRow(w, "time for request", res.TimeStats.Request, true)
	writeSDStatRow(w, "time for connect", res.TimeStats.Connect, true)
	writeSDStatRow(w, "time to 1st byte", res.TimeStats.TTFB, true)
	writeSDStatRow(w, "req/s           ", res.TimeStats.RPS, false)

	fmt.Fprintf(w, "\n  Latency  Distribution\n")
	for _, p := range res.Percentiles {
		value := "0us"
		if !p.Invalid {
			value = formatDuration(float64(p.RTT) / 1e6)
		}
		fmt.Fprintf(w, "%5.0f%%%13s\n", p.Percentile, value)
	}
}

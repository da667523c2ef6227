// Package metrics exports prometheus counters describing the activity of
// the native process control engine.
package metrics

import (
	"errors"
	"net/http"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ptraceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nativehost_ptrace_requests_total",
			Help: "Total ptrace requests issued, by request and result",
		},
		[]string{"request", "result"},
	)

	stopEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nativehost_stop_events_total",
			Help: "Total thread stops reported by the kernel, by stop reason",
		},
		[]string{"reason"},
	)

	breakpoints = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nativehost_breakpoints",
		Help: "Number of breakpoints currently installed",
	})

	regionPopulations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nativehost_memory_region_populations_total",
		Help: "Total loads of the memory region map",
	})
)

// PtraceRequest records one ptrace request. err is the error returned by
// the request, the result label is the errno name or "ok".
func PtraceRequest(request string, err error) {
	result := "ok"
	if err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) {
			result = errnoName(errno)
		} else {
			result = "error"
		}
	}
	ptraceRequests.WithLabelValues(request, result).Inc()
}

// StopEvent records a stop with the given reason.
func StopEvent(reason string) {
	stopEvents.WithLabelValues(reason).Inc()
}

// SetBreakpoints sets the number of installed breakpoints.
func SetBreakpoints(n int) {
	breakpoints.Set(float64(n))
}

// RegionPopulation records a load of the memory region map.
func RegionPopulation() {
	regionPopulations.Inc()
}

func errnoName(errno syscall.Errno) string {
	switch errno {
	case syscall.ESRCH:
		return "ESRCH"
	case syscall.EIO:
		return "EIO"
	case syscall.EFAULT:
		return "EFAULT"
	case syscall.EPERM:
		return "EPERM"
	case syscall.EINVAL:
		return "EINVAL"
	case syscall.EBUSY:
		return "EBUSY"
	}
	return "errno"
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve serves the metrics endpoint on addr until the listener fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}

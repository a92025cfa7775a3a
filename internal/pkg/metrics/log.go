package metrics

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type statusWriter struct {
	http.ResponseWriter
	code int
	size int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.code = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(b)
	sw.size += n
	return n, err
}

// RemoteIP returns the client address of req, honoring proxy headers.
func RemoteIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if ip := req.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return ip
}

// LogRequestHandler logs every request served by h at debug level.
func LogRequestHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := &statusWriter{w, http.StatusOK, 0}
		h.ServeHTTP(sw, r)

		logrus.WithFields(logrus.Fields{
			"remote": RemoteIP(r),
			"code":   sw.code,
			"size":   sw.size,
			"method": r.Method,
			"path":   r.RequestURI,
			"agent":  r.UserAgent(),
			"took":   time.Since(start),
		}).Debug("metrics request")
	})
}

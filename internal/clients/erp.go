package clients

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/facegate/presence/internal/face/attend"
	"github.com/facegate/presence/internal/httputil"
)

const erpTimeout = 10 * time.Second

// ERP talks to the ERP attendance API (/api/v2).
type ERP struct {
	http       httputil.HTTPClient
	base       string
	prefix     string
	apiVersion string
	apiKey     string
}

// NewERP returns a client for baseURL. Prefix defaults to /api/v2 and the
// api version header to 2.0.
func NewERP(c httputil.HTTPClient, baseURL string) *ERP {
	if c == nil {
		c = httputil.NewTimeoutClient(erpTimeout)
	}
	return &ERP{
		http:       c,
		base:       strings.TrimRight(baseURL, "/"),
		prefix:     "/api/v2",
		apiVersion: "2.0",
	}
}

// SetAPIKey attaches an x-api-key header to every request. Deployments
// without key auth can leave it unset.
func (e *ERP) SetAPIKey(key string) { e.apiKey = key }

func (e *ERP) headers() http.Header {
	h := make(http.Header)
	h.Set("accept", "*/*")
	h.Set("x-api-version", e.apiVersion)
	if e.apiKey != "" {
		h.Set("x-api-key", e.apiKey)
	}
	return h
}

// PushManualAttendance posts one manual attendance mark.
func (e *ERP) PushManualAttendance(ctx context.Context, job attend.ERPJob) error {
	url := e.base + e.prefix + "/Attendance/manual-attendance"
	return httputil.DoJSON(ctx, e.http, http.MethodPost, url, e.headers(), job, nil)
}

// PushFunc adapts the client to the push queue signature.
func (e *ERP) PushFunc() attend.ERPPushFunc {
	return func(job attend.ERPJob) error {
		ctx, cancel := context.WithTimeout(context.Background(), erpTimeout)
		defer cancel()
		return e.PushManualAttendance(ctx, job)
	}
}

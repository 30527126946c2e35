// Package clients holds the HTTP clients for the employee backend and the
// ERP attendance endpoint.
package clients

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/face/gallery"
	"github.com/facegate/presence/internal/httputil"
)

const backendTimeout = 10 * time.Second

// Employee is a backend employee record.
type Employee struct {
	EmpID string `json:"empId"`
	Name  string `json:"name"`
}

// Template is one enrolled embedding row as stored by the backend.
type Template struct {
	EmployeeID   string    `json:"employeeId"`
	EmployeeName string    `json:"employeeName"`
	Name         string    `json:"name"`
	Angle        string    `json:"angle"`
	ModelName    string    `json:"modelName"`
	Embedding    []float32 `json:"embedding"`
}

// AttendanceRecord is the backend attendance payload.
type AttendanceRecord struct {
	EmployeeID   string   `json:"employeeId"`
	Timestamp    string   `json:"timestamp"`
	CameraID     string   `json:"cameraId,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
	SnapshotPath string   `json:"snapshotPath,omitempty"`
	EventType    string   `json:"event_type,omitempty"`
}

// Backend talks to the employee backend API. All requests go under the
// configured prefix; a non-empty company id is sent as x-company-id.
type Backend struct {
	http   httputil.HTTPClient
	base   string
	prefix string
}

// NewBackend returns a client for baseURL+prefix, e.g.
// "http://127.0.0.1:3001" and "/api/v1". A nil http client gets a standard
// one with a ten second timeout.
func NewBackend(c httputil.HTTPClient, baseURL, prefix string) *Backend {
	if c == nil {
		c = httputil.NewTimeoutClient(backendTimeout)
	}
	return &Backend{
		http:   c,
		base:   strings.TrimRight(baseURL, "/"),
		prefix: strings.TrimSpace(prefix),
	}
}

func (b *Backend) url(path string) string {
	return b.base + b.prefix + path
}

func companyHeader(companyID string) http.Header {
	h := make(http.Header)
	if companyID != "" {
		h.Set("x-company-id", companyID)
	}
	return h
}

// Health checks the backend health endpoint.
func (b *Backend) Health(ctx context.Context) error {
	return httputil.DoJSON(ctx, b.http, http.MethodGet, b.url("/health"), nil, nil, nil)
}

// ListEmployees fetches the employee roster for a company.
func (b *Backend) ListEmployees(ctx context.Context, companyID string) ([]Employee, error) {
	var out []Employee
	err := httputil.DoJSON(ctx, b.http, http.MethodGet, b.url("/employees"), companyHeader(companyID), nil, &out)
	return out, err
}

// CreateEmployee upserts an employee record.
func (b *Backend) CreateEmployee(ctx context.Context, companyID string, emp Employee) error {
	return httputil.DoJSON(ctx, b.http, http.MethodPost, b.url("/employees"), companyHeader(companyID), emp, nil)
}

// ListTemplates fetches the raw template rows for a company.
func (b *Backend) ListTemplates(ctx context.Context, companyID string) ([]Template, error) {
	var out []Template
	err := httputil.DoJSON(ctx, b.http, http.MethodGet, b.url("/gallery/templates"), companyHeader(companyID), nil, &out)
	return out, err
}

// AddTemplate upserts one embedding row.
func (b *Backend) AddTemplate(ctx context.Context, companyID string, tpl Template) error {
	if tpl.ModelName == "" {
		tpl.ModelName = "insightface"
	}
	return httputil.DoJSON(ctx, b.http, http.MethodPost, b.url("/gallery/templates"), companyHeader(companyID), tpl, nil)
}

// CreateAttendance posts one attendance mark.
func (b *Backend) CreateAttendance(ctx context.Context, companyID string, rec AttendanceRecord) error {
	return httputil.DoJSON(ctx, b.http, http.MethodPost, b.url("/attendance"), companyHeader(companyID), rec, nil)
}

// minEmbeddingLen guards against truncated rows from older backends.
const minEmbeddingLen = 10

// LoadTemplates fetches and filters templates into gallery entries. Rows
// without an employee id or with a truncated embedding are dropped. The
// display name falls back to the employee id.
func (b *Backend) LoadTemplates(companyID string) ([]gallery.Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	rows, err := b.ListTemplates(ctx, companyID)
	if err != nil {
		return nil, err
	}

	entries := make([]gallery.Entry, 0, len(rows))
	for _, t := range rows {
		empID := strings.TrimSpace(t.EmployeeID)
		if empID == "" || len(t.Embedding) < minEmbeddingLen {
			continue
		}
		name := t.EmployeeName
		if name == "" {
			name = t.Name
		}
		if name == "" {
			name = empID
		}
		entries = append(entries, gallery.Entry{
			EmployeeID: empID,
			Name:       name,
			Embedding:  face.Embedding(t.Embedding),
		})
	}
	return entries, nil
}

package attend

import (
	"strings"
	"sync"
	"time"
)

const defaultCompanyKey = "__default__"

// VoiceEvent is one spoken greeting queued for the kiosk frontends.
type VoiceEvent struct {
	Seq        uint64    `json:"seq"`
	Text       string    `json:"text"`
	EmployeeID string    `json:"employee_id"`
	Name       string    `json:"name"`
	CameraID   string    `json:"camera_id"`
	CameraName string    `json:"camera_name"`
	CompanyID  string    `json:"company_id"`
	At         time.Time `json:"at"`
}

// VoicePage is a long-poll response.
type VoicePage struct {
	LatestSeq uint64       `json:"latest_seq"`
	Events    []VoiceEvent `json:"events"`
	Limited   bool         `json:"limited"`
}

// Honorifics stripped from the front of a name before picking the spoken
// first name. Only applied when the name has at least two tokens.
var honorifics = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "md": true, "dr": true,
	"allama": true, "mohammad": true, "s.m": true, "al": true,
}

type companyBucket struct {
	seq    uint64
	events []VoiceEvent
}

// VoiceLog is the per-company voice event ring with long-poll support.
type VoiceLog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*companyBucket
	max     int
	aliases map[string]string // lowercased full name -> spoken alias
	now     func() time.Time
}

// NewVoiceLog returns a log keeping at most max events per company.
// aliases override the spoken name for specific full names.
func NewVoiceLog(max int, aliases map[string]string, now func() time.Time) *VoiceLog {
	if max <= 0 {
		max = 500
	}
	if now == nil {
		now = time.Now
	}
	norm := make(map[string]string, len(aliases))
	for k, v := range aliases {
		norm[strings.ToLower(strings.TrimSpace(k))] = v
	}
	l := &VoiceLog{
		buckets: make(map[string]*companyBucket),
		max:     max,
		aliases: norm,
		now:     now,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func companyKey(companyID string) string {
	if companyID == "" {
		return defaultCompanyKey
	}
	return companyID
}

// SpokenName picks the greeting name: an explicit alias when configured,
// otherwise the first non-honorific token of the full name. Dots and
// commas are treated as spaces so "Md. Zahidul" splits like "Md Zahidul".
func (l *VoiceLog) SpokenName(fullName string) string {
	name := strings.TrimSpace(fullName)
	if name == "" {
		return ""
	}
	if alias, ok := l.aliases[strings.ToLower(name)]; ok {
		return alias
	}
	cleaned := strings.NewReplacer(".", " ", ",", " ").Replace(name)
	tokens := strings.Fields(cleaned)
	if len(tokens) == 0 {
		return ""
	}
	if len(tokens) >= 2 && honorifics[strings.ToLower(tokens[0])] {
		tokens = tokens[1:]
	}
	return tokens[0]
}

// Push appends a greeting for the employee and wakes pollers.
func (l *VoiceLog) Push(job *WriteJob) VoiceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := companyKey(job.CompanyID)
	b := l.buckets[k]
	if b == nil {
		b = &companyBucket{}
		l.buckets[k] = b
	}
	b.seq++

	ev := VoiceEvent{
		Seq:        b.seq,
		Text:       "Thank you, " + l.SpokenName(job.Name) + ".",
		EmployeeID: job.EmployeeID,
		Name:       job.Name,
		CameraID:   job.CameraID,
		CameraName: job.CameraName,
		CompanyID:  job.CompanyID,
		At:         l.now(),
	}
	b.events = append(b.events, ev)
	if len(b.events) > l.max {
		b.events = b.events[len(b.events)-l.max:]
	}
	l.cond.Broadcast()
	return ev
}

// LatestSeq returns the newest sequence number for a company.
func (l *VoiceLog) LatestSeq(companyID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b := l.buckets[companyKey(companyID)]; b != nil {
		return b.seq
	}
	return 0
}

// Events returns events after afterSeq, waiting up to wait for news when
// none are available yet. limit is clamped to [1, 200], wait to [0, 5m].
func (l *VoiceLog) Events(companyID string, afterSeq uint64, limit int, wait time.Duration) VoicePage {
	if limit < 1 {
		limit = 1
	} else if limit > 200 {
		limit = 200
	}
	if wait < 0 {
		wait = 0
	} else if wait > 5*time.Minute {
		wait = 5 * time.Minute
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := companyKey(companyID)
	deadline := time.Now().Add(wait)
	for {
		b := l.buckets[k]
		if b != nil && b.seq > afterSeq {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		t := time.AfterFunc(remaining, l.cond.Broadcast)
		l.cond.Wait()
		t.Stop()
	}

	b := l.buckets[k]
	page := VoicePage{}
	if b != nil {
		page.LatestSeq = b.seq
		for _, ev := range b.events {
			if ev.Seq <= afterSeq {
				continue
			}
			if len(page.Events) >= limit {
				page.Limited = true
				break
			}
			page.Events = append(page.Events, ev)
		}
	}
	return page
}

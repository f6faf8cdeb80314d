package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quizwire/trivia-gateway/internal/store"
)

// BaseID is the record-store base every test client should be
// configured with.
const BaseID = "appTEST"

var formulaPair = regexp.MustCompile(`\{([^}]+)\}='((?:[^'\\]|\\.)*)'`)

// FakeRecordStore is an in-memory stand-in for the remote tabular
// store, speaking enough of its HTTP API for the real client: list,
// get, create, patch, and filterByFormula equality matching.
type FakeRecordStore struct {
	mu     sync.Mutex
	seq    int
	tables map[string][]store.Record
	srv    *httptest.Server

	// FailNextWrites makes the next N create/update calls return 503.
	FailNextWrites int
}

func NewFakeRecordStore(t *testing.T) *FakeRecordStore {
	t.Helper()
	f := &FakeRecordStore{tables: make(map[string][]store.Record)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *FakeRecordStore) URL() string { return f.srv.URL }

// Seed inserts a record directly, bypassing HTTP.
func (f *FakeRecordStore) Seed(table string, fields map[string]any) store.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insert(table, fields)
}

// Records returns a snapshot of a table.
func (f *FakeRecordStore) Records(table string) []store.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Record, len(f.tables[table]))
	copy(out, f.tables[table])
	return out
}

func (f *FakeRecordStore) insert(table string, fields map[string]any) store.Record {
	f.seq++
	rec := store.Record{
		ID:          fmt.Sprintf("rec%03d", f.seq),
		CreatedTime: time.Now().UTC(),
		Fields:      copyFields(fields),
	}
	f.tables[table] = append(f.tables[table], rec)
	return rec
}

func (f *FakeRecordStore) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != BaseID {
		http.Error(w, "unknown base", http.StatusNotFound)
		return
	}
	table := parts[1]
	id := ""
	if len(parts) > 2 {
		id = parts[2]
	}

	switch {
	case r.Method == http.MethodGet && id != "":
		for _, rec := range f.tables[table] {
			if rec.ID == id {
				writeRecord(w, rec)
				return
			}
		}
		http.Error(w, "record not found", http.StatusNotFound)

	case r.Method == http.MethodGet:
		records := f.tables[table]
		if formula := r.URL.Query().Get("filterByFormula"); formula != "" {
			records = filterByFormula(records, formula)
		}
		resp := struct {
			Records []store.Record `json:"records"`
		}{Records: records}
		if resp.Records == nil {
			resp.Records = []store.Record{}
		}
		json.NewEncoder(w).Encode(resp)

	case r.Method == http.MethodPost:
		if f.failWrite(w) {
			return
		}
		var envelope struct {
			Fields map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		writeRecord(w, f.insert(table, envelope.Fields))

	case r.Method == http.MethodPatch && id != "":
		if f.failWrite(w) {
			return
		}
		var envelope struct {
			Fields map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		for i, rec := range f.tables[table] {
			if rec.ID == id {
				for k, v := range envelope.Fields {
					f.tables[table][i].Fields[k] = v
				}
				writeRecord(w, f.tables[table][i])
				return
			}
		}
		http.Error(w, "record not found", http.StatusNotFound)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (f *FakeRecordStore) failWrite(w http.ResponseWriter) bool {
	if f.FailNextWrites > 0 {
		f.FailNextWrites--
		http.Error(w, "synthetic outage", http.StatusServiceUnavailable)
		return true
	}
	return false
}

// filterByFormula supports the shape the services emit: one or more
// {Field}='value' equality terms, all of which must hold.
func filterByFormula(records []store.Record, formula string) []store.Record {
	pairs := formulaPair.FindAllStringSubmatch(formula, -1)
	var out []store.Record
	for _, rec := range records {
		match := true
		for _, pair := range pairs {
			field, want := pair[1], strings.ReplaceAll(pair[2], `\'`, `'`)
			got, _ := rec.Fields[field].(string)
			if got != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, rec)
		}
	}
	return out
}

func writeRecord(w http.ResponseWriter, rec store.Record) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// FakeSmsGateway is an in-memory stand-in for the SMS provider's send
// endpoint. It acknowledges every send and remembers what was posted.
type FakeSmsGateway struct {
	mu    sync.Mutex
	seq   int
	sends []GatewaySend
	srv   *httptest.Server
}

type GatewaySend struct {
	TextID      string
	Phone       string
	Message     string
	WebhookURL  string
	WebhookData string
}

func NewFakeSmsGateway(t *testing.T) *FakeSmsGateway {
	t.Helper()
	f := &FakeSmsGateway{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *FakeSmsGateway) URL() string { return f.srv.URL }

func (f *FakeSmsGateway) Sends() []GatewaySend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]GatewaySend, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *FakeSmsGateway) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/text" || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.seq++
	send := GatewaySend{
		TextID:      fmt.Sprintf("tb-%d", f.seq),
		Phone:       r.PostFormValue("phone"),
		Message:     r.PostFormValue("message"),
		WebhookURL:  r.PostFormValue("replyWebhookUrl"),
		WebhookData: r.PostFormValue("webhookData"),
	}
	f.sends = append(f.sends, send)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"success":true,"textId":"%s","quotaRemaining":100}`, send.TextID)
}

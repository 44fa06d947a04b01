package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

const sampleCSV = `user_id,kind,module,priority,amount,expected_label
u1,gosi_error_correction,calculation_error,high,,auto_correct
u2,gosi_error_correction,missing_contribution,critical,,manual_submission
u3,payment,,low,250000,review
,payment,,low,,approve
u5,payment,,low,abc,approve
`

func TestReadCases(t *testing.T) {
	cases, err := ReadCases(strings.NewReader(sampleCSV), 0)
	if err != nil {
		t.Fatalf("ReadCases failed: %v", err)
	}
	if len(cases) != 4 {
		t.Fatalf("expected 4 cases (row without user skipped), got %d", len(cases))
	}
	if cases[2].Amount != 250000 || cases[2].Module != "" {
		t.Errorf("unexpected case %+v", cases[2])
	}
	if cases[3].Amount != 0 {
		t.Errorf("unparseable amount must be zero, got %v", cases[3].Amount)
	}

	limited, _ := ReadCases(strings.NewReader(sampleCSV), 2)
	if len(limited) != 2 {
		t.Errorf("expected limit 2, got %d", len(limited))
	}

	if _, err := ReadCases(strings.NewReader("user_id,kind\n"), 0); err == nil {
		t.Error("expected missing column error")
	}
}

func TestReplay(t *testing.T) {
	var feedbacks atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Tenant-ID") != "replay" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/feedback") {
			feedbacks.Add(1)
			w.WriteHeader(http.StatusCreated)
			return
		}

		var req decisionRequest
		json.NewDecoder(r.Body).Decode(&req)
		label := "approve"
		if req.Module == "calculation_error" {
			label = "auto_correct"
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(decisionResponse{ID: "d-" + req.UserID, Label: label, Confidence: 0.6, Escalated: req.Priority == "critical"})
	}))
	defer srv.Close()

	cases, _ := ReadCases(strings.NewReader(sampleCSV), 0)
	stats := Replay(srv.Client(), srv.URL, "replay", cases, 2, true, false)

	if stats.Processed != 4 || stats.Errors != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	// u1 and u5 match, u2 and u3 do not
	if stats.Correct != 2 || stats.Accuracy() != 0.5 {
		t.Errorf("expected 2 correct, got %d (%v)", stats.Correct, stats.Accuracy())
	}
	if stats.Escalated != 1 {
		t.Errorf("expected 1 escalation, got %d", stats.Escalated)
	}
	if feedbacks.Load() != 4 {
		t.Errorf("expected 4 feedback posts, got %d", feedbacks.Load())
	}
}

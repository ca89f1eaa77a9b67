package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClientProfile(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/identity/v1/users/ron" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"username":"ron","email":"ron@example.com","fullName":"Ron Weasley","country":"GB"}`))
	}))
	defer ts.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	profile, err := client.Profile(context.Background(), "ron")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.Email != "ron@example.com" || profile.Country != "GB" {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestHTTPClientRetries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"username":"ron"}`))
	}))
	defer ts.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: ts.URL, Retries: 2, Timeout: time.Second})
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	if _, err := client.Profile(context.Background(), "ron"); err != nil {
		t.Fatalf("profile after retry: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestCourseActivityDegradesSoftly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: ts.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	activity, err := client.CourseActivity(context.Background(), "ron", "course-v1:edX+DemoX+Demo")
	if err != nil {
		t.Fatalf("course activity must not fail: %v", err)
	}
	if activity.EnrollmentTimestamp != "" || activity.CompletionTimestamp != "" {
		t.Fatalf("expected empty timestamps, got %+v", activity)
	}
}

func TestStaticFallback(t *testing.T) {
	s := &Static{}
	profile, err := s.Profile(context.Background(), "luna")
	if err != nil {
		t.Fatalf("static profile: %v", err)
	}
	if profile.Username != "luna" {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

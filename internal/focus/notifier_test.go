package focus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNotifier_UnreachableEndpointIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	n := NewNotifier(url, DefaultTimeout)
	start := time.Now()
	delivered := n.SetFocus(context.Background(), "order:FM-1001", "store:BK-01", []string{"product:9"})
	if delivered {
		t.Error("SetFocus() reported delivery to a closed endpoint")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("SetFocus() took %v, want within the timeout", elapsed)
	}
}

func TestNotifier_SlowEndpointIsBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	n := NewNotifier(srv.URL, 50*time.Millisecond)
	if n.SetFocus(context.Background(), "order:FM-1001", "", nil) {
		t.Error("SetFocus() reported delivery past its timeout")
	}
}

func TestNotifier_PostsHint(t *testing.T) {
	var got Hint
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/focus" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL+"/", time.Second)
	if !n.SetFocus(context.Background(), "order:FM-1001", "store:BK-01", []string{"product:9"}) {
		t.Fatal("SetFocus() not delivered")
	}
	if got.OrderID != "order:FM-1001" || got.StoreID != "store:BK-01" || len(got.ProductIDs) != 1 {
		t.Errorf("hint = %+v", got)
	}
}

func TestNotifier_NilAndUnconfiguredAreNoops(t *testing.T) {
	var n *Notifier
	if n.SetFocus(context.Background(), "order:1", "", nil) {
		t.Error("nil notifier reported delivery")
	}
	if NewNotifier("", 0).SetFocus(context.Background(), "order:1", "", nil) {
		t.Error("unconfigured notifier reported delivery")
	}
}

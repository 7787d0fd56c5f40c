package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kalambet/genie/internal/events"
	"github.com/kalambet/genie/internal/jobs"
)

func TestStream_PushesClientEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?client_id=c1&access_token=" + testToken
	ws, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Another client's job must not reach c1.
	serve(env.handler, authReq(http.MethodPost, "/v1/jobs?wait=5s", `{"text":"1+1","client_id":"c2"}`, testToken))
	serve(env.handler, authReq(http.MethodPost, "/v1/jobs", `{"text":"5 minus 3","client_id":"c1"}`, testToken))

	ws.SetDeadline(time.Now().Add(5 * time.Second))
	var states []string
	for {
		var e events.Event
		if err := websocket.JSON.Receive(ws, &e); err != nil {
			t.Fatalf("Receive after %v: %v", states, err)
		}
		if e.ClientID != "c1" {
			t.Fatalf("received event for client %q", e.ClientID)
		}
		states = append(states, e.To)
		if e.Terminal() {
			if e.Metadata[events.MetaResult] != "2" {
				t.Errorf("terminal metadata = %v", e.Metadata)
			}
			break
		}
	}
	if strings.Join(states, ",") != "queued,running,done" {
		t.Errorf("states = %v", states)
	}

	ws.Close()
	deadline = time.Now().Add(5 * time.Second)
	for env.hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream not unsubscribed after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStream_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	if ws, err := websocket.Dial(wsURL, "", srv.URL); err == nil {
		ws.Close()
		t.Fatal("Dial without token succeeded")
	}
}

func TestStream_ReplaysJobEventsAfterSince(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	rr := serve(env.handler, authReq(http.MethodPost, "/v1/jobs?wait=5s", `{"text":"4 plus 4","client_id":"c1"}`, testToken))
	v := decode[jobs.View](t, rr)
	if v.State != jobs.StateDone {
		t.Fatalf("job = %+v, want done", v)
	}
	env.flush(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?job_id=" + v.ID + "&since=1&access_token=" + testToken
	ws, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	ws.SetDeadline(time.Now().Add(5 * time.Second))
	var got []int
	for len(got) < 2 {
		var e events.Event
		if err := websocket.JSON.Receive(ws, &e); err != nil {
			t.Fatalf("Receive after %v: %v", got, err)
		}
		if e.JobID != v.ID {
			t.Fatalf("received event for job %q", e.JobID)
		}
		got = append(got, e.Seq)
		if e.Terminal() && e.Metadata[events.MetaResult] != "8" {
			t.Errorf("terminal metadata = %v", e.Metadata)
		}
	}
	if got[0] != 2 || got[1] != 3 {
		t.Errorf("replayed seqs = %v, want [2 3]", got)
	}
}

func TestStream_RejectsBadSince(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?access_token=" + testToken
	for _, q := range []string{"&since=2", "&job_id=j&since=-1", "&job_id=j&since=abc"} {
		if ws, err := websocket.Dial(base+q, "", srv.URL); err == nil {
			ws.Close()
			t.Errorf("Dial with %q succeeded", q)
		}
	}
}

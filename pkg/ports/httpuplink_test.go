package ports

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPUplinkSyncNodeRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req syncNodeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Events) != 1 || req.Events[0].Kind != "retry_exhausted" {
			t.Fatalf("unexpected request body: %+v", req)
		}
		json.NewEncoder(w).Encode(syncNodeResponse{
			ProtocolVersion: "v1.0.0",
			Messages:        []BridgeMessage{{FromUser: 1, ToUser: 2, Body: []byte("hi")}},
		})
	}))
	defer srv.Close()

	u := NewHTTPUplink(srv.URL, "")
	msgs, err := u.SyncNode(context.Background(), ProtocolVersion, []GatewayEvent{{Kind: "retry_exhausted"}})
	if err != nil {
		t.Fatalf("SyncNode: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ToUser != 2 {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestHTTPUplinkRejectsIncompatibleBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(syncNodeResponse{ProtocolVersion: "v0.9.0"})
	}))
	defer srv.Close()

	u := NewHTTPUplink(srv.URL, "")
	_, err := u.SyncNode(context.Background(), ProtocolVersion, nil)
	if err == nil {
		t.Fatal("expected incompatible-version error")
	}
}

package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/postcaster/internal/model"
)

func linkedInCreds() *model.Credentials {
	return &model.Credentials{
		AccessToken: "li-token",
		Extra:       map[string]string{model.CredentialExtraPersonURN: "urn:li:person:abc"},
	}
}

func TestLinkedInAdapter_Publish_Success(t *testing.T) {
	var got linkedInUGCPost
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/ugcPosts" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Restli-Protocol-Version") != "2.0.0" {
			t.Errorf("X-Restli-Protocol-Version = %q", r.Header.Get("X-Restli-Protocol-Version"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("X-RestLi-Id", "urn:li:share:7000")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a := NewLinkedInAdapter(LinkedInConfig{APIBaseURL: srv.URL}, srv.Client())
	res, err := a.Publish(context.Background(), newTestPost("We are hiring", "jobs"), linkedInCreds())
	if err != nil {
		t.Fatalf("Publish() がエラーを返した: %v", err)
	}
	if res.ExternalID != "urn:li:share:7000" {
		t.Errorf("ExternalID = %q", res.ExternalID)
	}
	if res.URL != "https://www.linkedin.com/feed/update/urn:li:share:7000/" {
		t.Errorf("URL = %q", res.URL)
	}
	if got.Author != "urn:li:person:abc" || got.LifecycleState != "PUBLISHED" {
		t.Errorf("request = %+v", got)
	}
	content := got.SpecificContent["com.linkedin.ugc.ShareContent"]
	if content.ShareCommentary.Text != "We are hiring\n\n#jobs" {
		t.Errorf("text = %q", content.ShareCommentary.Text)
	}
}

func TestLinkedInAdapter_Publish_IDFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"urn:li:ugcPost:123"}`))
	}))
	defer srv.Close()

	a := NewLinkedInAdapter(LinkedInConfig{APIBaseURL: srv.URL}, srv.Client())
	res, err := a.Publish(context.Background(), newTestPost("hello"), linkedInCreds())
	if err != nil {
		t.Fatalf("Publish() がエラーを返した: %v", err)
	}
	if res.ExternalID != "urn:li:ugcPost:123" {
		t.Errorf("ExternalID = %q", res.ExternalID)
	}
}

func TestLinkedInAdapter_Publish_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   model.ErrorClass
	}{
		{"スコープ不足の403は再連携が必要", http.StatusForbidden, `{"status":403,"code":"ACCESS_DENIED","message":"Not enough permissions"}`, model.ErrorClassCredentialUnavailable},
		{"その他の403はpermanent", http.StatusForbidden, `{"status":403,"message":"Content policy"}`, model.ErrorClassPermanent},
		{"422はpermanent", http.StatusUnprocessableEntity, `{"status":422,"message":"Duplicate post"}`, model.ErrorClassPermanent},
		{"429はrate_limited", http.StatusTooManyRequests, `{"status":429,"message":"Throttled"}`, model.ErrorClassRateLimited},
		{"500はtransient", http.StatusInternalServerError, `{"status":500}`, model.ErrorClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a := NewLinkedInAdapter(LinkedInConfig{APIBaseURL: srv.URL}, srv.Client())
			_, err := a.Publish(context.Background(), newTestPost("hello"), linkedInCreds())
			if got := a.ClassifyError(err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLinkedInAdapter_Publish_MissingURN(t *testing.T) {
	a := NewLinkedInAdapter(LinkedInConfig{APIBaseURL: "http://127.0.0.1:1"}, nil)
	_, err := a.Publish(context.Background(), newTestPost("hello"), &model.Credentials{AccessToken: "at"})
	if got := a.ClassifyError(err); got != model.ErrorClassCredentialUnavailable {
		t.Errorf("ClassifyError() = %q, want credential_unavailable", got)
	}
}

func TestLinkedInAuth_ExchangeSetsPersonURN(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v2/accessToken", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code_verifier") != "" {
			t.Error("LinkedInにcode_verifierが送信された")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"li-at","expires_in":5184000}`))
	})
	mux.HandleFunc("/v2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sub":"abc123","name":"Acme Owner"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	auth := NewLinkedInAuth(LinkedInConfig{
		ClientID:   "cid",
		APIBaseURL: srv.URL,
		TokenURL:   srv.URL + "/oauth/v2/accessToken",
	}, srv.Client())

	creds, profile, err := auth.Exchange(context.Background(), "code", "ignored-verifier")
	if err != nil {
		t.Fatalf("Exchange() がエラーを返した: %v", err)
	}
	if creds.ExtraValue(model.CredentialExtraPersonURN) != "urn:li:person:abc123" {
		t.Errorf("person_urn = %q", creds.ExtraValue(model.CredentialExtraPersonURN))
	}
	if profile.ExternalID != "abc123" || profile.Username != "Acme Owner" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(
		NewTwitterAdapter(TwitterConfig{}, nil),
		NewBlueskyAdapter(BlueskyConfig{}, nil),
	)
	if a, ok := r.Get(model.PlatformBluesky); !ok || a.Platform() != model.PlatformBluesky {
		t.Error("Blueskyアダプターが取得できない")
	}
	if _, ok := r.Get(model.PlatformLinkedIn); ok {
		t.Error("未登録のLinkedInアダプターが取得できた")
	}
}

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCredentialStore struct {
	mu      sync.Mutex
	persist map[string]json.RawMessage
	credits map[string]float64
}

func newMemCredentialStore() *memCredentialStore {
	return &memCredentialStore{persist: map[string]json.RawMessage{}, credits: map[string]float64{}}
}

func (s *memCredentialStore) PersistCredential(ctx context.Context, credentialID string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist[credentialID] = raw
	return nil
}

func (s *memCredentialStore) AddCreditUsage(ctx context.Context, credentialID string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[credentialID] += delta
	return nil
}

func validKiroCredential() *kiroCredential {
	return &kiroCredential{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		Region:       "us-east-1",
		RefreshedAt:  time.Now().Unix(),
		ExpiresIn:    3600,
	}
}

func validKiroCredJSON(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(validKiroCredential())
	require.NoError(t, err)
	return string(raw)
}

func TestKiroAdapter_Chat_Streaming_TranslatesToAnthropicSSE(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/generateAssistantResponse", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		assert.Equal(t, "vibe", r.Header.Get("x-amzn-kiro-agent-mode"))
		assert.Contains(t, r.Header.Get("x-amz-user-agent"), "KiroIDE-"+kiroVersion)
		assert.Equal(t, "attempt=1; max=1", r.Header.Get("amz-sdk-request"))

		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "conversationState")

		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"content":"Hello "}`)
		fmt.Fprint(w, `{"content":"world"}`)
		fmt.Fprint(w, `{"unit":"credit","usage":2.5}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	store := newMemCredentialStore()
	a := NewKiroAdapter(Config{BaseURL: server.URL, Store: store})

	ch, err := a.Chat(context.Background(), &Request{
		APIKey: validKiroCredJSON(t), CredentialID: "cred-1", Model: "claude-sonnet-4-5",
		Body: []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)

	var out []byte
	for c := range ch {
		require.NoError(t, c.Err)
		out = append(out, c.Data...)
	}

	rendered := string(out)
	assert.Contains(t, rendered, "event: message_start")
	assert.Contains(t, rendered, "\"text\":\"Hello \"")
	assert.Contains(t, rendered, "\"text\":\"world\"")
	assert.Contains(t, rendered, "event: message_stop")

	store.mu.Lock()
	credit := store.credits["cred-1"]
	store.mu.Unlock()
	assert.Equal(t, 2.5, credit)
}

func TestKiroAdapter_Chat_ProfileArnInjected(t *testing.T) {
	var sawProfileArn string
	mux := http.NewServeMux()
	mux.HandleFunc("/generateAssistantResponse", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if raw, ok := body["profileArn"]; ok {
			json.Unmarshal(raw, &sawProfileArn)
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"content":"ok"}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	a := NewKiroAdapter(Config{BaseURL: server.URL})
	cred := validKiroCredential()
	cred.ProfileArn = "arn:aws:codewhisperer:us-east-1:111111111111:profile/ABC"
	raw, err := json.Marshal(cred)
	require.NoError(t, err)

	ch, err := a.Chat(context.Background(), &Request{
		APIKey: string(raw), Model: "claude-sonnet-4-5",
		Body: []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)
	for c := range ch {
		require.NoError(t, c.Err)
	}
	assert.Equal(t, cred.ProfileArn, sawProfileArn)
}

func TestKiroAdapter_Chat_403TriggersRefreshAndRetry(t *testing.T) {
	var attempts int
	mux := http.NewServeMux()
	mux.HandleFunc("/generateAssistantResponse", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("Authorization") == "Bearer access-1" {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message":"expired"}`)
			return
		}
		assert.Equal(t, "Bearer access-2", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"content":"ok"}`)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grantType"])
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"accessToken":"access-2","expiresIn":3600}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	store := newMemCredentialStore()
	a := NewKiroAdapter(Config{BaseURL: server.URL, Store: store})

	cred := validKiroCredential()
	cred.RefreshedAt = time.Now().Add(-10 * time.Minute).Unix() // not yet expired by the skew check
	raw, err := json.Marshal(cred)
	require.NoError(t, err)

	ch, err := a.Chat(context.Background(), &Request{
		APIKey: string(raw), CredentialID: "cred-1", Model: "claude-sonnet-4-5",
		Body: []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)
	for c := range ch {
		require.NoError(t, c.Err)
	}
	assert.Equal(t, 2, attempts)

	store.mu.Lock()
	_, persisted := store.persist["cred-1"]
	store.mu.Unlock()
	assert.True(t, persisted)
}

func TestKiroAdapter_RefreshAndPersist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh-1", body["refreshToken"])
		assert.Equal(t, "refresh_token", body["grantType"])
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"accessToken":"access-2","expiresIn":7200}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	store := newMemCredentialStore()
	a := NewKiroAdapter(Config{BaseURL: server.URL, Store: store})

	cred := validKiroCredential()
	err := a.refreshAndPersist(context.Background(), "cred-1", cred)
	require.NoError(t, err)
	assert.Equal(t, "access-2", cred.AccessToken)
	assert.Equal(t, int64(7200), cred.ExpiresIn)

	store.mu.Lock()
	_, ok := store.persist["cred-1"]
	store.mu.Unlock()
	assert.True(t, ok)
}

func TestKiroAdapter_RefreshAndPersist_FailureSwallowedByCaller(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"boom"}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	a := NewKiroAdapter(Config{BaseURL: server.URL})
	cred := validKiroCredential()
	err := a.refreshAndPersist(context.Background(), "cred-1", cred)
	require.Error(t, err)
	assert.Equal(t, "access-1", cred.AccessToken) // unchanged on failure
}

func TestKiroAdapter_Chat_HTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/generateAssistantResponse", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"internal error"}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	a := NewKiroAdapter(Config{BaseURL: server.URL})
	cred := validKiroCredential()
	cred.RefreshToken = "" // force no-refresh path so the 500 surfaces directly
	raw, err := json.Marshal(cred)
	require.NoError(t, err)

	_, err = a.Chat(context.Background(), &Request{
		APIKey: string(raw), Model: "claude-sonnet-4-5",
		Body: []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.Error(t, err)
}

func TestKiroAdapter_Name(t *testing.T) {
	a := NewKiroAdapter(Config{})
	assert.Equal(t, "kiro", a.Name())
}

func TestKiroCredential_Expired(t *testing.T) {
	now := time.Now()

	neverRefreshed := &kiroCredential{}
	assert.True(t, neverRefreshed.expired(now))

	fresh := &kiroCredential{RefreshedAt: now.Unix(), ExpiresIn: 3600}
	assert.False(t, fresh.expired(now))

	stale := &kiroCredential{RefreshedAt: now.Add(-2 * time.Hour).Unix(), ExpiresIn: 3600}
	assert.True(t, stale.expired(now))

	withinSkew := &kiroCredential{RefreshedAt: now.Add(-3590 * time.Second).Unix(), ExpiresIn: 3600}
	assert.True(t, withinSkew.expired(now))
}

func TestKiroCredential_CanRefresh(t *testing.T) {
	complete := &kiroCredential{RefreshToken: "r", ClientID: "c", ClientSecret: "s"}
	assert.True(t, complete.canRefresh())

	missing := &kiroCredential{RefreshToken: "r"}
	assert.False(t, missing.canRefresh())
}

func TestInjectProfileArn(t *testing.T) {
	body := []byte(`{"conversationState":{"chatTriggerType":"MANUAL"}}`)

	unchanged, err := injectProfileArn(body, "")
	require.NoError(t, err)
	assert.Equal(t, body, unchanged)

	withArn, err := injectProfileArn(body, "arn:aws:test")
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(withArn, &m))
	var arn string
	require.NoError(t, json.Unmarshal(m["profileArn"], &arn))
	assert.Equal(t, "arn:aws:test", arn)
	assert.Contains(t, m, "conversationState")
}

func TestKiroAdapter_Chat_InvalidCredentialJSON(t *testing.T) {
	a := NewKiroAdapter(Config{})
	_, err := a.Chat(context.Background(), &Request{
		APIKey: "not-json", Model: "claude-sonnet-4-5",
		Body: []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.Error(t, err)
}

func TestKiroAdapter_Chat_MissingAccessTokenNoRefresh(t *testing.T) {
	a := NewKiroAdapter(Config{})
	cred, err := json.Marshal(map[string]any{})
	require.NoError(t, err)
	_, err = a.Chat(context.Background(), &Request{
		APIKey: string(cred), Model: "claude-sonnet-4-5",
		Body: []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.Error(t, err)
}

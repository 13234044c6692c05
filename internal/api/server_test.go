package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvchain/internal/archive"
	"kvchain/internal/chain"
	"kvchain/internal/crypto"
	"kvchain/internal/domain"
	"kvchain/internal/kv"
	"kvchain/internal/proof"
	"kvchain/internal/service"
	"kvchain/internal/storage"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func setupServer(t *testing.T, rps float64) *httptest.Server {
	t.Helper()
	log := quietLogger()
	repo, err := storage.NewBadgerRepository(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, repo.Close())
	})

	svc := service.New(chain.New(repo, log), kv.NewProjector(repo, log), proof.AllowAll{}, archive.NopSink{}, log)
	srv := httptest.NewServer(NewServer(svc, log, rps).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return res, readBody(t, res)
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	return res, readBody(t, res)
}

func readBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

// uploadVia drives payload, sign and upload through HTTP.
func uploadVia(t *testing.T, base string, signer *crypto.Signer, platform, identity string, patch any) (*http.Response, map[string]any) {
	t.Helper()
	res, body := postJSON(t, base+"/v1/kv/payload", map[string]any{
		"avatar":   "0x" + signer.CompressedHex(),
		"platform": platform,
		"identity": identity,
		"patch":    patch,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, body)

	signPayload := body["sign_payload"].(string)
	sig, err := signer.PersonalSign(signPayload)
	require.NoError(t, err)

	return postJSON(t, base+"/v1/kv", map[string]any{
		"avatar":     "0x" + signer.CompressedHex(),
		"platform":   platform,
		"identity":   identity,
		"uuid":       body["uuid"],
		"created_at": body["created_at"],
		"patch":      patch,
		"signature":  base64.StdEncoding.EncodeToString(sig),
	})
}

func TestHealthz(t *testing.T) {
	srv := setupServer(t, 0)
	res, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestUploadAndQuery(t *testing.T) {
	srv := setupServer(t, 0)
	owner, err := crypto.GenerateSigner()
	require.NoError(t, err)

	res, body := uploadVia(t, srv.URL, owner, "twitter", "alice", map[string]any{"test": "abc"})
	require.Equal(t, http.StatusCreated, res.StatusCode, body)

	res, body = uploadVia(t, srv.URL, owner, "twitter", "alice", map[string]any{"test": nil, "test2": "new"})
	require.Equal(t, http.StatusCreated, res.StatusCode, body)
	assert.Equal(t, "0x"+owner.Hex(), body["avatar"])

	res, body = get(t, srv.URL+"/v1/kv?persona=0x"+owner.CompressedHex())
	require.Equal(t, http.StatusOK, res.StatusCode)
	proofs := body["proofs"].([]any)
	require.Len(t, proofs, 1)
	entry := proofs[0].(map[string]any)
	assert.Equal(t, "twitter", entry["platform"])
	assert.Equal(t, map[string]any{"test2": "new"}, entry["content"])

	q := url.Values{"platform": {"twitter"}, "identity": {"alice"}}
	res, body = get(t, srv.URL+"/v1/kv/by_identity?"+q.Encode())
	require.Equal(t, http.StatusOK, res.StatusCode)
	values := body["values"].([]any)
	require.Len(t, values, 1)
	assert.Equal(t, "0x"+owner.Hex(), values[0].(map[string]any)["avatar"])

	res, body = get(t, srv.URL+"/v1/kv/audit?avatar="+owner.Hex())
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 2, body["walked"])
}

func TestUpload_Rejections(t *testing.T) {
	srv := setupServer(t, 0)
	owner, err := crypto.GenerateSigner()
	require.NoError(t, err)

	res, body := postJSON(t, srv.URL+"/v1/kv/payload", map[string]any{
		"avatar": owner.Hex(), "platform": "twitter", "identity": "alice", "patch": map[string]any{"a": 1},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)

	sig, err := owner.PersonalSign(body["sign_payload"].(string) + " ")
	require.NoError(t, err)
	res, body = postJSON(t, srv.URL+"/v1/kv", map[string]any{
		"avatar": owner.Hex(), "platform": "twitter", "identity": "alice",
		"uuid": body["uuid"], "created_at": body["created_at"], "patch": map[string]any{"a": 1},
		"signature": base64.StdEncoding.EncodeToString(sig),
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, body["message"], "signature validation failed")

	res, body = postJSON(t, srv.URL+"/v1/kv/payload", map[string]any{"avatar": "0x12", "platform": "twitter", "identity": "alice"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.NotEmpty(t, body["message"])

	r, err := http.Post(srv.URL+"/v1/kv", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	body = readBody(t, r)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	assert.Contains(t, body["message"], "invalid request body")
}

func TestQuery_MissingParameters(t *testing.T) {
	srv := setupServer(t, 0)

	res, body := get(t, srv.URL+"/v1/kv")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "missing parameter: avatar", body["message"])

	res, body = get(t, srv.URL+"/v1/kv/by_identity?platform=twitter")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "missing parameter: identity", body["message"])

	res, _ = get(t, srv.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := setupServer(t, 0)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/kv", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, res.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestRateLimit(t *testing.T) {
	srv := setupServer(t, 1)

	res, _ := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", domain.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("x: %w", domain.ErrSignatureValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", domain.ErrAuthorization), http.StatusBadRequest},
		{fmt.Errorf("x: %w", crypto.ErrInvalidRecoveryID), http.StatusBadRequest},
		{fmt.Errorf("x: %w", domain.ErrDuplicateUUID), http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrChainForked), http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", proof.ErrProofService), http.StatusBadGateway},
		{fmt.Errorf("x: %w", domain.ErrStorage), http.StatusInternalServerError},
		{fmt.Errorf("anything"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	log := quietLogger()
	s := NewServer(nil, log, 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

// stalledSink never answers before its context ends.
type stalledSink struct{}

func (stalledSink) Upload(ctx context.Context, _ archive.Document) (string, error) {
	<-ctx.Done()
	return "", fmt.Errorf("%w: %w", domain.ErrArchive, ctx.Err())
}

func TestUpload_StalledArchiveStillAnswers(t *testing.T) {
	log := quietLogger()
	repo, err := storage.NewBadgerRepository(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, repo.Close())
	})
	svc := service.New(chain.New(repo, log), kv.NewProjector(repo, log), proof.AllowAll{}, stalledSink{}, log,
		service.WithArchiveTimeout(200*time.Millisecond))
	s := NewServer(svc, log, 0, WithWriteTimeout(5*time.Second))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	res, body := uploadVia(t, "http://"+ln.Addr().String(), signer, "twitter", "alice", map[string]any{"a": 1})
	require.Equal(t, http.StatusCreated, res.StatusCode, body)
	proofs := body["proofs"].([]any)
	require.Len(t, proofs, 1)
	assert.NotContains(t, proofs[0].(map[string]any), "archival_receipt")

	link, err := repo.FindTailLink(context.Background(), signer.Uncompressed())
	require.NoError(t, err)
	require.NotNil(t, link)
}

func TestWithWriteTimeout(t *testing.T) {
	log := quietLogger()
	assert.Equal(t, defaultWriteTimeout, NewServer(nil, log, 0).writeTimeout)
	assert.Equal(t, time.Minute, NewServer(nil, log, 0, WithWriteTimeout(time.Minute)).writeTimeout)
	assert.Equal(t, defaultWriteTimeout, NewServer(nil, log, 0, WithWriteTimeout(0)).writeTimeout)
}

package httpapi

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"conbadge.org/internal/apps"
	"conbadge.org/internal/auth"
	"conbadge.org/internal/badge"
	"conbadge.org/internal/obs"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	admin   *auth.AdminTokens
	media   string
	t       *testing.T
}

type envelope struct {
	Success   bool           `json:"success"`
	Response  map[string]any `json:"response"`
	RequestID string         `json:"request_id"`
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	obs.Init()

	registrar, err := badge.NewRegistrar(badge.NewInMemory(), "install-key")
	if err != nil {
		t.Fatalf("NewRegistrar: %v", err)
	}
	sessions, err := auth.NewManager(auth.NewInMemoryTokens(), auth.Policy{
		EphemeralTTL: 5 * time.Minute,
		SessionTTL:   24 * time.Hour,
		CodeLimit:    5,
		CodeDigits:   16,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	admin, err := auth.NewAdminTokens("test-admin-secret")
	if err != nil {
		t.Fatalf("NewAdminTokens: %v", err)
	}

	media := t.TempDir()
	api := New(Deps{
		Badges:        registrar,
		Sessions:      sessions,
		Apps:          apps.NewRegistry(apps.NewInMemory(), media),
		Admin:         admin,
		Version:       "test",
		RateBurst:     1000,
		RatePerSecond: 1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		admin:   admin,
		media:   media,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body []byte, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, mustJSON(c.t, body), headers)
}

// signed sends body as a badge signing with secret.
func (c *apiClient) signed(method, path, badgeID, secret string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		payload = mustJSON(c.t, body)
	}
	sig, err := auth.SignHex(secret, method, path, payload)
	if err != nil {
		c.t.Fatalf("SignHex: %v", err)
	}
	all := map[string]string{"X-Id": badgeID, "X-Signature": sig}
	for k, v := range headers {
		all[k] = v
	}
	return c.do(method, path, payload, all)
}

func (c *apiClient) register(id, mac string) string {
	c.t.Helper()
	resp := c.post("/register", map[string]any{"id": id, "mac": mac}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("register status %d", resp.StatusCode)
	}
	env := decode[envelope](c.t, resp)
	secret, _ := env.Response["secret"].(string)
	if len(secret) != 64 {
		c.t.Fatalf("unexpected secret %q", secret)
	}
	return secret
}

func (c *apiClient) adminToken(roles ...string) string {
	c.t.Helper()
	token, err := c.admin.GenerateToken("ops@example.org", roles, time.Hour)
	if err != nil {
		c.t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func (c *apiClient) upload(token, name, title string, archive []byte) *http.Response {
	c.t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("name", name)
	_ = mw.WriteField("title", title)
	fw, err := mw.CreateFormFile("file", name+".tar")
	if err != nil {
		c.t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = fw.Write(archive)
	if err := mw.Close(); err != nil {
		c.t.Fatalf("close multipart: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/admin/apps", &body)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("upload: %v", err)
	}
	return resp
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return b
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectError(t *testing.T, resp *http.Response, status int, message string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	env := decode[envelope](t, resp)
	if env.Success || env.Response["message"] != message {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
	if env.RequestID == "" {
		t.Fatal("expected request_id in error envelope")
	}
}

func tarOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		_, _ = tw.Write([]byte(body))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

func tarNames(t *testing.T, r io.Reader) []string {
	t.Helper()
	tr := tar.NewReader(r)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		names = append(names, hdr.Name)
	}
}

func TestRegisterAuthExchangeFlow(t *testing.T) {
	c := newTestAPI(t)
	secret := c.register("badge-1", "aa:bb:cc:dd:ee:ff")

	resp := c.signed(http.MethodPost, "/auth", "badge-1", secret, map[string]any{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Time") == "" || resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Time or X-Request-ID: %v", resp.Header)
	}
	env := decode[envelope](t, resp)
	code, _ := env.Response["token"].(string)
	if len(code) != 16 {
		t.Fatalf("unexpected auth code %q", code)
	}

	resp = c.post("/auth", map[string]any{"auth": code}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("exchange status %d", resp.StatusCode)
	}
	env = decode[envelope](t, resp)
	session, _ := env.Response["token"].(string)
	if session == "" || session == code {
		t.Fatalf("unexpected session %q", session)
	}

	expectError(t, c.post("/auth", map[string]any{"auth": code}, nil), http.StatusUnauthorized, auth.MsgInvalidToken)

	resp = c.post("/name", map[string]any{"name": "Alice"}, map[string]string{"Authorization": session})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("name status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/image", map[string]any{"image": []int{1, 2, 255}}, map[string]string{"Authorization": session})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set image status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/image", nil, map[string]string{"Authorization": session})
	env = decode[envelope](t, resp)
	image, _ := env.Response["image"].([]any)
	if len(image) != 3 || image[2] != float64(255) {
		t.Fatalf("unexpected image: %v", env.Response)
	}

	resp = c.do(http.MethodPost, "/clear_image", nil, map[string]string{"Authorization": session})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear image status %d", resp.StatusCode)
	}
	resp.Body.Close()
	env = decode[envelope](t, c.do(http.MethodGet, "/image", nil, map[string]string{"Authorization": session}))
	if image, _ := env.Response["image"].([]any); len(image) != 0 {
		t.Fatalf("image not cleared: %v", env.Response)
	}
}

func TestRegisterErrors(t *testing.T) {
	c := newTestAPI(t)
	c.register("badge-1", "aa:bb")
	expectError(t, c.post("/register", map[string]any{"id": "badge-1", "mac": "cc:dd"}, nil), http.StatusForbidden, "Badge already registered!")
	expectError(t, c.post("/register", map[string]any{"mac": "cc:dd"}, nil), http.StatusBadRequest, "Invalid request!")

	resp := c.do(http.MethodPost, "/register", []byte(`{"id": `), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed JSON status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSignatureFailures(t *testing.T) {
	c := newTestAPI(t)
	secret := c.register("badge-1", "aa:bb")

	body := mustJSON(t, map[string]any{"name": "Mallory"})
	sig, _ := auth.SignHex(secret, http.MethodPost, "/name", body)
	tampered := mustJSON(t, map[string]any{"name": "Mallorx"})

	expectError(t, c.do(http.MethodPost, "/name", tampered, map[string]string{"X-Id": "badge-1", "X-Signature": sig}), http.StatusBadRequest, auth.MsgInvalidSignature)
	expectError(t, c.do(http.MethodPost, "/name", body, map[string]string{"X-Id": "ghost", "X-Signature": sig}), http.StatusBadRequest, auth.MsgBadgeUnknown)
	expectError(t, c.do(http.MethodPost, "/name", body, map[string]string{"Authorization": "not-a-session"}), http.StatusBadRequest, auth.MsgInvalidSession)
	expectError(t, c.do(http.MethodPost, "/name", body, nil), http.StatusBadRequest, auth.MsgInvalidRequest)

	resp := c.do(http.MethodPost, "/name", body, map[string]string{"X-Id": "badge-1", "X-Signature": sig})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("valid signature status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAuthCodeCannotBeUsedAsSession(t *testing.T) {
	c := newTestAPI(t)
	secret := c.register("badge-1", "aa:bb")
	env := decode[envelope](t, c.signed(http.MethodPost, "/auth", "badge-1", secret, map[string]any{}, nil))
	code, _ := env.Response["token"].(string)

	expectError(t, c.do(http.MethodGet, "/image", nil, map[string]string{"Authorization": code}), http.StatusBadRequest, auth.MsgInvalidSession)
	expectError(t, c.post("/auth", map[string]any{}, nil), http.StatusBadRequest, auth.MsgInvalidRequest)
}

func TestOTAUpdate(t *testing.T) {
	c := newTestAPI(t)
	token := c.adminToken(auth.RoleUploader)
	for _, app := range []string{"snake", "clock"} {
		resp := c.upload(token, app, strings.ToUpper(app), tarOf(t, map[string]string{app + "/main.py": "print()"}))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("upload %s status %d", app, resp.StatusCode)
		}
		resp.Body.Close()
	}
	secret := c.register("badge-1", "aa:bb")

	resp := c.signed(http.MethodPost, "/ota_update", "badge-1", secret, map[string]any{"versions": map[string]any{"snake": 1, "clock": "garbage"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ota status %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Disposition") != "attachment; filename=update.tar" {
		t.Fatalf("unexpected disposition %q", resp.Header.Get("Content-Disposition"))
	}
	names := tarNames(t, resp.Body)
	resp.Body.Close()
	if strings.Join(names, ",") != "clock/,clock/info.json,clock/main.py" {
		t.Fatalf("unexpected archive: %v", names)
	}

	resp = c.signed(http.MethodPost, "/ota_update", "badge-1", secret, map[string]any{"versions": map[string]any{"snake": 1, "clock": "1"}}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("up to date status %d", resp.StatusCode)
	}
	resp.Body.Close()

	expectError(t, c.post("/ota_update", map[string]any{"versions": map[string]any{}}, nil), http.StatusNotFound, auth.MsgUnknownBadge)
}

func TestOTAUpdateMissingFiles(t *testing.T) {
	c := newTestAPI(t)
	resp := c.upload(c.adminToken(auth.RoleUploader), "snake", "Snake", tarOf(t, map[string]string{"snake/main.py": "print()"}))
	resp.Body.Close()
	if err := os.RemoveAll(apps.SandboxDir(c.media, "snake", 1)); err != nil {
		t.Fatalf("remove sandbox: %v", err)
	}
	secret := c.register("badge-1", "aa:bb")

	resp = c.signed(http.MethodPost, "/ota_update", "badge-1", secret, map[string]any{}, nil)
	if resp.Header.Get("Content-Disposition") != "" {
		t.Fatalf("download headers sent for a failed update: %v", resp.Header)
	}
	expectError(t, resp, http.StatusInternalServerError, "internal error")
}

func TestNameMissingIsReportedFirst(t *testing.T) {
	c := newTestAPI(t)
	expectError(t, c.post("/name", map[string]any{}, nil), http.StatusBadRequest, "No name sent!")
	expectError(t, c.post("/name", map[string]any{"name": "Alice"}, nil), http.StatusBadRequest, auth.MsgInvalidRequest)
}

func TestOTAUpdateGzip(t *testing.T) {
	c := newTestAPI(t)
	resp := c.upload(c.adminToken(auth.RoleUploader), "snake", "Snake", tarOf(t, map[string]string{"snake/main.py": "print()"}))
	resp.Body.Close()
	secret := c.register("badge-1", "aa:bb")

	resp = c.signed(http.MethodPost, "/ota_update", "badge-1", secret, map[string]any{}, map[string]string{"Accept-Encoding": "gzip"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("status %d, encoding %q", resp.StatusCode, resp.Header.Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	names := tarNames(t, zr)
	if strings.Join(names, ",") != "snake/,snake/info.json,snake/main.py" {
		t.Fatalf("unexpected archive: %v", names)
	}
}

func TestAdminAppsRequiresToken(t *testing.T) {
	c := newTestAPI(t)
	archive := tarOf(t, map[string]string{"snake/main.py": "print()"})

	resp := c.upload("", "snake", "Snake", archive)
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected 401 with challenge, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.upload(c.adminToken("viewer"), "snake", "Snake", archive)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.upload("not-a-jwt", "snake", "Snake", archive)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdminAppsUploadAndList(t *testing.T) {
	c := newTestAPI(t)
	token := c.adminToken(auth.RoleUploader)

	resp := c.upload(token, "bad name", "Snake", tarOf(t, nil))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid name status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.upload(token, "snake", "Snake", []byte(strings.Repeat("x", 1024)))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("corrupt archive status %d", resp.StatusCode)
	}
	resp.Body.Close()

	for i := 0; i < 2; i++ {
		resp = c.upload(token, "snake", "Snake", tarOf(t, map[string]string{"snake/main.py": "v", "evil/x": "y"}))
		env := decode[envelope](t, resp)
		if resp.StatusCode != http.StatusCreated || env.Response["rejected"] != float64(1) {
			t.Fatalf("upload status %d: %+v", resp.StatusCode, env)
		}
	}

	resp = c.do(http.MethodGet, "/admin/apps", nil, map[string]string{"Authorization": "Bearer " + token})
	env := decode[envelope](t, resp)
	list, _ := env.Response["apps"].([]any)
	if len(list) != 1 {
		t.Fatalf("unexpected apps: %v", env.Response)
	}
	entry, _ := list[0].(map[string]any)
	if entry["name"] != "snake" || entry["version"] != float64(2) {
		t.Fatalf("unexpected latest: %v", entry)
	}
}

func TestHealthAndInfo(t *testing.T) {
	c := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.do(http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
	expectError(t, c.do(http.MethodGet, "/nope", nil, nil), http.StatusNotFound, "Not found!")
}

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"greendrake/emailbuilder/internal/api/handlers"
	"greendrake/emailbuilder/internal/models"
	"greendrake/emailbuilder/internal/services"
	"greendrake/emailbuilder/internal/storage"
	"greendrake/emailbuilder/internal/templating"
)

const testLayout = `<html><head><title>{{title}}</title></head><body><img src="{{imageUrl}}"><div>{{content}}</div></body></html>`

func setupTemplateEngine(h *handlers.EmailTemplateHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/getEmailLayout", h.GetEmailLayout)
	r.POST("/uploadImage", h.UploadImage)
	r.POST("/uploadEmailConfig", h.UploadEmailConfig)
	r.POST("/renderAndDownloadTemplate", h.RenderAndDownloadTemplate)
	r.GET("/emailConfigs", h.ListEmailConfigs)
	r.POST("/sendTestEmail", h.SendTestEmail)
	return r
}

func writeLayout(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "layout.html")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func multipartImage(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var respBody map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &respBody))
	return respBody
}

func TestGetEmailLayout_Success(t *testing.T) {
	mockLayout := new(MockLayoutService)
	h := handlers.NewEmailTemplateHandler(new(MockEmailConfigService), mockLayout, new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	mockLayout.On("RenderLatest", mock.Anything).Return("<html>Hi</html>", nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/getEmailLayout", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<html>Hi</html>", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	mockLayout.AssertExpectations(t)
}

func TestGetEmailLayout_NoConfig(t *testing.T) {
	mockLayout := new(MockLayoutService)
	h := handlers.NewEmailTemplateHandler(new(MockEmailConfigService), mockLayout, new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	mockLayout.On("RenderLatest", mock.Anything).Return("", services.ErrNoEmailConfig)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/getEmailLayout", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	respBody := decodeBody(t, w)
	assert.Equal(t, handlers.CodeNotFound, respBody["code"])
	assert.Equal(t, "No email configuration found.", respBody["error"])
}

func TestGetEmailLayout_LayoutUnreadable(t *testing.T) {
	configs := &memoryConfigService{}
	_, _ = configs.Append(context.Background(), "T", "C", "I")
	layout := services.NewLayoutService(filepath.Join(t.TempDir(), "missing.html"), false, configs)
	h := handlers.NewEmailTemplateHandler(configs, layout, new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/getEmailLayout", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	respBody := decodeBody(t, w)
	assert.Equal(t, handlers.CodeInternalError, respBody["code"])
	assert.NotContains(t, respBody["error"], "missing.html")
}

func TestUploadImage_Success(t *testing.T) {
	mockStore := new(MockAssetStore)
	mockTasks := new(MockTaskDispatcher)
	h := handlers.NewEmailTemplateHandler(new(MockEmailConfigService), new(MockLayoutService), mockStore, mockTasks, 1024)
	r := setupTemplateEngine(h)

	asset := &models.Asset{Name: "1700000000-logo.png", URL: "http://localhost:5000/uploads/1700000000-logo.png"}
	mockStore.On("Store", mock.Anything, mock.Anything, int64(4), "image/png", "logo.png").Return(asset, nil)
	mockTasks.On("GeneratePreview", mock.Anything, asset).Return(nil)

	body, contentType := multipartImage(t, "image", "logo.png", "image/png", []byte("\x89PNG"))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/uploadImage", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]interface{}{"imageUrl": asset.URL}, decodeBody(t, w))
	mockStore.AssertExpectations(t)
	mockTasks.AssertExpectations(t)
}

func TestUploadImage_PreviewFailureDoesNotFailUpload(t *testing.T) {
	mockStore := new(MockAssetStore)
	mockTasks := new(MockTaskDispatcher)
	h := handlers.NewEmailTemplateHandler(new(MockEmailConfigService), new(MockLayoutService), mockStore, mockTasks, 0)
	r := setupTemplateEngine(h)

	asset := &models.Asset{Name: "a.png", URL: "http://cdn/a.png"}
	mockStore.On("Store", mock.Anything, mock.Anything, mock.Anything, "image/png", "a.png").Return(asset, nil)
	mockTasks.On("GeneratePreview", mock.Anything, asset).Return(assert.AnError)

	body, contentType := multipartImage(t, "image", "a.png", "image/png", []byte("png"))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/uploadImage", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUploadImage_NoFile(t *testing.T) {
	mockStore := new(MockAssetStore)
	h := handlers.NewEmailTemplateHandler(new(MockEmailConfigService), new(MockLayoutService), mockStore, nil, 0)
	r := setupTemplateEngine(h)

	body, contentType := multipartImage(t, "file", "a.png", "image/png", []byte("png"))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/uploadImage", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	respBody := decodeBody(t, w)
	assert.Equal(t, "No file uploaded", respBody["error"])
	assert.Equal(t, handlers.CodeBadRequest, respBody["code"])
	mockStore.AssertNotCalled(t, "Store")
}

func TestUploadImage_NotMultipart(t *testing.T) {
	h := handlers.NewEmailTemplateHandler(new(MockEmailConfigService), new(MockLayoutService), new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	w := postJSON(r, "/uploadImage", `{"image":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadImage_StoreRejections(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"wrong type", fmt.Errorf("%w: %q", storage.ErrInvalidAssetType, "application/pdf"), http.StatusUnsupportedMediaType, handlers.CodeInvalidAssetType},
		{"too large", fmt.Errorf("%w: 9 bytes", storage.ErrAssetTooLarge), http.StatusRequestEntityTooLarge, handlers.CodeAssetTooLarge},
		{"backend failure", assert.AnError, http.StatusInternalServerError, handlers.CodeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mockStore := new(MockAssetStore)
			mockTasks := new(MockTaskDispatcher)
			h := handlers.NewEmailTemplateHandler(new(MockEmailConfigService), new(MockLayoutService), mockStore, mockTasks, 0)
			r := setupTemplateEngine(h)
			mockStore.On("Store", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, tc.err)

			body, contentType := multipartImage(t, "image", "doc.pdf", "application/pdf", []byte("%PDF"))
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodPost, "/uploadImage", body)
			req.Header.Set("Content-Type", contentType)
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, decodeBody(t, w)["code"])
			mockTasks.AssertNotCalled(t, "GeneratePreview")
		})
	}
}

func TestUploadEmailConfig_Success(t *testing.T) {
	mockConfigs := new(MockEmailConfigService)
	h := handlers.NewEmailTemplateHandler(mockConfigs, new(MockLayoutService), new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	mockConfigs.On("Append", mock.Anything, "Hi", "Body", "http://x/a.png").Return(int64(7), nil)

	w := postJSON(r, "/uploadEmailConfig", `{"title":"Hi","content":"Body","imageUrl":"http://x/a.png"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	respBody := decodeBody(t, w)
	assert.Equal(t, "Email config saved successfully!", respBody["message"])
	assert.Equal(t, float64(7), respBody["id"])
	mockConfigs.AssertExpectations(t)
}

func TestUploadEmailConfig_EmptyStringsAccepted(t *testing.T) {
	mockConfigs := new(MockEmailConfigService)
	h := handlers.NewEmailTemplateHandler(mockConfigs, new(MockLayoutService), new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	mockConfigs.On("Append", mock.Anything, "", "", "").Return(int64(1), nil)

	w := postJSON(r, "/uploadEmailConfig", `{"title":"","content":"","imageUrl":""}`)
	assert.Equal(t, http.StatusOK, w.Code)
	mockConfigs.AssertExpectations(t)
}

func TestUploadEmailConfig_InvalidBodies(t *testing.T) {
	cases := map[string]string{
		"missing content": `{"title":"Hi","imageUrl":""}`,
		"not an object":   `["Hi"]`,
		"not json":        `title=Hi`,
		"wrong type":      `{"title":1,"content":"","imageUrl":""}`,
		"null field":      `{"title":"Hi","content":null,"imageUrl":""}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			mockConfigs := new(MockEmailConfigService)
			h := handlers.NewEmailTemplateHandler(mockConfigs, new(MockLayoutService), new(MockAssetStore), nil, 0)
			r := setupTemplateEngine(h)

			w := postJSON(r, "/uploadEmailConfig", body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, handlers.CodeBadRequest, decodeBody(t, w)["code"])
			mockConfigs.AssertNotCalled(t, "Append")
		})
	}
}

func TestUploadEmailConfig_MissingFieldsNamed(t *testing.T) {
	h := handlers.NewEmailTemplateHandler(new(MockEmailConfigService), new(MockLayoutService), new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	w := postJSON(r, "/uploadEmailConfig", `{"content":""}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing required fields: title, imageUrl", decodeBody(t, w)["error"])
}

func TestUploadEmailConfig_StoreFailure(t *testing.T) {
	mockConfigs := new(MockEmailConfigService)
	h := handlers.NewEmailTemplateHandler(mockConfigs, new(MockLayoutService), new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	mockConfigs.On("Append", mock.Anything, "a", "b", "c").Return(int64(0), assert.AnError)

	w := postJSON(r, "/uploadEmailConfig", `{"title":"a","content":"b","imageUrl":"c"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}

func TestRenderAndDownloadTemplate_Success(t *testing.T) {
	mockConfigs := new(MockEmailConfigService)
	mockLayout := new(MockLayoutService)
	h := handlers.NewEmailTemplateHandler(mockConfigs, mockLayout, new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	values := templating.Values{Title: "Promo", Content: "<b>50% off</b>", ImageURL: "http://x/p.png"}
	mockLayout.On("Render", mock.Anything, values).Return("<html>rendered</html>", nil)

	w := postJSON(r, "/renderAndDownloadTemplate", `{"title":"Promo","content":"<b>50% off</b>","imageUrl":"http://x/p.png"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "attachment; filename=email-template.html", w.Header().Get("Content-Disposition"))
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "<html>rendered</html>", w.Body.String())
	mockConfigs.AssertNotCalled(t, "Append")
}

func TestRenderAndDownloadTemplate_InvalidBody(t *testing.T) {
	mockLayout := new(MockLayoutService)
	h := handlers.NewEmailTemplateHandler(new(MockEmailConfigService), mockLayout, new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	w := postJSON(r, "/renderAndDownloadTemplate", `{"title":"Promo"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, w.Header().Get("Content-Disposition"))
	mockLayout.AssertNotCalled(t, "Render")
}

func TestRenderAndDownloadTemplate_StrictLayoutError(t *testing.T) {
	layout := services.NewLayoutService(writeLayout(t, "<p>{{title}}</p>"), true, &memoryConfigService{})
	h := handlers.NewEmailTemplateHandler(&memoryConfigService{}, layout, new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	w := postJSON(r, "/renderAndDownloadTemplate", `{"title":"a","content":"b","imageUrl":"c"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListEmailConfigs(t *testing.T) {
	mockConfigs := new(MockEmailConfigService)
	h := handlers.NewEmailTemplateHandler(mockConfigs, new(MockLayoutService), new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	records := []models.EmailConfig{
		{Seq: 2, Title: "second", CreatedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{Seq: 1, Title: "first", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	mockConfigs.On("History", mock.Anything, 2).Return(records, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/emailConfigs?limit=2", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var got []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, float64(2), got[0]["id"])
	assert.Equal(t, "first", got[1]["title"])
	mockConfigs.AssertExpectations(t)
}

func TestListEmailConfigs_DefaultAndInvalidLimit(t *testing.T) {
	mockConfigs := new(MockEmailConfigService)
	h := handlers.NewEmailTemplateHandler(mockConfigs, new(MockLayoutService), new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	mockConfigs.On("History", mock.Anything, 20).Return([]models.EmailConfig{}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/emailConfigs", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())

	for _, limit := range []string{"0", "-3", "abc", "101"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/emailConfigs?limit="+limit, nil)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
	}
	mockConfigs.AssertNumberOfCalls(t, "History", 1)
}

func TestSendTestEmail_Queued(t *testing.T) {
	mockConfigs := new(MockEmailConfigService)
	mockTasks := new(MockTaskDispatcher)
	h := handlers.NewEmailTemplateHandler(mockConfigs, new(MockLayoutService), new(MockAssetStore), mockTasks, 0)
	r := setupTemplateEngine(h)

	mockConfigs.On("Latest", mock.Anything).Return(&models.EmailConfig{Seq: 1}, nil)
	mockTasks.On("SendTestEmail", mock.Anything, "qa@example.com").Return(true, nil)

	w := postJSON(r, "/sendTestEmail", `{"to":" qa@example.com "}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	respBody := decodeBody(t, w)
	assert.Equal(t, true, respBody["queued"])
	assert.Equal(t, "Test email queued.", respBody["message"])
	mockTasks.AssertExpectations(t)
}

func TestSendTestEmail_NoConfig(t *testing.T) {
	mockConfigs := new(MockEmailConfigService)
	mockTasks := new(MockTaskDispatcher)
	h := handlers.NewEmailTemplateHandler(mockConfigs, new(MockLayoutService), new(MockAssetStore), mockTasks, 0)
	r := setupTemplateEngine(h)

	mockConfigs.On("Latest", mock.Anything).Return(nil, nil)

	w := postJSON(r, "/sendTestEmail", `{"to":"qa@example.com"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
	mockTasks.AssertNotCalled(t, "SendTestEmail")
}

func TestSendTestEmail_InvalidAddress(t *testing.T) {
	mockConfigs := new(MockEmailConfigService)
	mockTasks := new(MockTaskDispatcher)
	h := handlers.NewEmailTemplateHandler(mockConfigs, new(MockLayoutService), new(MockAssetStore), mockTasks, 0)
	r := setupTemplateEngine(h)

	for _, body := range []string{`{"to":"not-an-address"}`, `{}`, `nope`} {
		w := postJSON(r, "/sendTestEmail", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	mockConfigs.AssertNotCalled(t, "Latest")
	mockTasks.AssertNotCalled(t, "SendTestEmail")
}

// Save, fetch, download and list against the real layout renderer.
func TestEmailTemplateFlow(t *testing.T) {
	configs := &memoryConfigService{}
	layout := services.NewLayoutService(writeLayout(t, testLayout), false, configs)
	h := handlers.NewEmailTemplateHandler(configs, layout, new(MockAssetStore), nil, 0)
	r := setupTemplateEngine(h)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/getEmailLayout", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = postJSON(r, "/uploadEmailConfig", `{"title":"Spring","content":"Hello","imageUrl":"http://x/a.png"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = postJSON(r, "/uploadEmailConfig", `{"title":"Summer","content":"","imageUrl":"http://x/b.png"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["id"])

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/getEmailLayout", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t,
		`<html><head><title>Summer</title></head><body><img src="http://x/b.png"><div></div></body></html>`,
		w.Body.String())

	w = postJSON(r, "/renderAndDownloadTemplate", `{"title":"{{content}}","content":"<i>draft</i>","imageUrl":""}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t,
		`<html><head><title>{{content}}</title></head><body><img src=""><div><i>draft</i></div></body></html>`,
		w.Body.String())

	latest, err := configs.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Summer", latest.Title)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/emailConfigs?limit=5", nil)
	r.ServeHTTP(w, req)
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history, 2)
	assert.Equal(t, "Summer", history[0]["title"])
}

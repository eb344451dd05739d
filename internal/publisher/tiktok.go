package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"social-post-scheduler/internal/media"
	"social-post-scheduler/internal/models"
)

// Publisher sends a post's content and media to the TikTok open API and
// interprets the response. It is stateless: status updates belong to the
// scheduler, and the token comes in from the caller.
type Publisher struct {
	baseURL    string
	httpClient *http.Client
	media      media.Resolver
}

// New builds a publisher. The timeout bounds every provider call; once it
// fires the attempt is reported transient, even though the provider may have
// published anyway.
func New(baseURL string, timeout time.Duration, resolver media.Resolver) *Publisher {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Publisher{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		media:      resolver,
	}
}

type apiResponse struct {
	Data struct {
		UploadID string `json:"upload_id"`
		PostID   string `json:"post_id"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Publish runs the three-step video flow: init, upload, publish.
func (p *Publisher) Publish(ctx context.Context, post models.ScheduledPost, accessToken string) Result {
	content, contentType, err := p.media.Fetch(ctx, post.MediaRef)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return Result{Kind: KindRejected, Reason: fmt.Sprintf("media %q unavailable", post.MediaRef)}
		}
		return Result{Kind: KindTransient, Reason: fmt.Sprintf("fetch media: %v", err)}
	}

	initBody, err := json.Marshal(map[string]any{
		"post_info": map[string]any{
			"title":         post.Content,
			"privacy_level": "PUBLIC",
		},
	})
	if err != nil {
		return Result{Kind: KindRejected, Reason: fmt.Sprintf("encode init request: %v", err)}
	}
	initResp, res := p.call(ctx, "/video/init/", accessToken, "application/json", bytes.NewReader(initBody))
	if res != nil {
		return *res
	}
	if initResp.Data.UploadID == "" {
		return Result{Kind: KindTransient, Reason: "init response missing upload_id"}
	}

	uploadBody, uploadType, err := encodeUpload(initResp.Data.UploadID, post.MediaRef, content, contentType)
	if err != nil {
		return Result{Kind: KindRejected, Reason: fmt.Sprintf("encode upload: %v", err)}
	}
	if _, res := p.call(ctx, "/video/upload/", accessToken, uploadType, bytes.NewReader(uploadBody)); res != nil {
		return *res
	}

	publishBody, _ := json.Marshal(map[string]string{"upload_id": initResp.Data.UploadID})
	publishResp, res := p.call(ctx, "/video/publish/", accessToken, "application/json", bytes.NewReader(publishBody))
	if res != nil {
		return *res
	}
	if publishResp.Data.PostID == "" {
		return Result{Kind: KindTransient, Reason: "publish response missing post_id"}
	}

	return Result{Kind: KindSuccess, ExternalPostID: publishResp.Data.PostID}
}

// call issues one provider request. A nil second return means success; a
// non-nil one is the terminal result for this attempt.
func (p *Publisher) call(ctx context.Context, path, accessToken, contentType string, body io.Reader) (apiResponse, *Result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, body)
	if err != nil {
		return apiResponse{}, &Result{Kind: KindTransient, Reason: fmt.Sprintf("build request %s: %v", path, err)}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// Covers timeouts and connection errors. The provider may or may not
		// have acted on the request; the retry design tolerates that.
		return apiResponse{}, &Result{Kind: KindTransient, Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiResponse{}, &Result{Kind: KindTransient, Reason: fmt.Sprintf("read %s response: %v", path, err)}
	}

	var parsed apiResponse
	if len(raw) > 0 {
		// A non-JSON body from a proxy or LB still classifies by status below.
		_ = json.Unmarshal(raw, &parsed)
	}

	kind := classify(resp.StatusCode, parsed.Error.Code)
	if kind != KindSuccess {
		reason := parsed.Error.Code
		if parsed.Error.Message != "" {
			reason = parsed.Error.Code + ": " + parsed.Error.Message
		}
		if reason == "" {
			reason = fmt.Sprintf("%s: status %d", path, resp.StatusCode)
		}
		return apiResponse{}, &Result{Kind: kind, Reason: reason}
	}
	return parsed, nil
}

func encodeUpload(uploadID, mediaRef string, content []byte, contentType string) ([]byte, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("upload_id", uploadID); err != nil {
		return nil, "", err
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename=%q`, fileName(mediaRef)))
	if contentType == "" {
		contentType = "video/mp4"
	}
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func fileName(ref string) string {
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

package paperless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

func (c *Client) CreateDocument(ctx context.Context, req domain.UploadRequest) (domain.UploadReceipt, error) {
	data, err := os.ReadFile(req.FilePath)
	if err != nil {
		return domain.UploadReceipt{}, domain.WrapError(domain.ErrInvalidInput, "paperless upload", err)
	}
	payload, contentType, err := uploadForm(req, filepath.Base(req.FilePath), data)
	if err != nil {
		return domain.UploadReceipt{}, err
	}

	var raw json.RawMessage
	err = c.call(ctx, "upload", request{
		method:      http.MethodPost,
		path:        "/api/documents/post_document/",
		contentType: contentType,
		body:        func() (io.Reader, error) { return bytes.NewReader(payload), nil },
	}, &raw)
	if err != nil {
		return domain.UploadReceipt{}, err
	}
	return parseUploadResponse(raw)
}

func uploadForm(req domain.UploadRequest, filename string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("document", filename)
	if err != nil {
		return nil, "", fmt.Errorf("create document part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write document part: %w", err)
	}

	fields := [][2]string{{"title", req.Title}}
	if !req.Created.IsZero() {
		fields = append(fields, [2]string{"created", req.Created.Format("2006-01-02")})
	}
	if req.CorrespondentID != nil {
		fields = append(fields, [2]string{"correspondent", strconv.Itoa(*req.CorrespondentID)})
	}
	if req.DocumentTypeID != nil {
		fields = append(fields, [2]string{"document_type", strconv.Itoa(*req.DocumentTypeID)})
	}
	for _, id := range req.TagIDs {
		fields = append(fields, [2]string{"tags", strconv.Itoa(id)})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// parseUploadResponse accepts the task uuid string Paperless returns, or an
// object carrying the document id directly.
func parseUploadResponse(raw json.RawMessage) (domain.UploadReceipt, error) {
	var task string
	if err := json.Unmarshal(raw, &task); err == nil {
		task = strings.TrimSpace(task)
		if task == "" {
			return domain.UploadReceipt{}, domain.WrapError(domain.ErrInvalidInput, "paperless upload", errors.New("empty task id"))
		}
		return domain.UploadReceipt{TaskID: task}, nil
	}

	var obj struct {
		ID         *int   `json:"id"`
		DocumentID *int   `json:"document_id"`
		TaskID     string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return domain.UploadReceipt{}, domain.WrapError(domain.ErrInvalidInput, "paperless upload", fmt.Errorf("unexpected response %s", truncate(raw)))
	}
	receipt := domain.UploadReceipt{TaskID: obj.TaskID, DocumentID: obj.DocumentID}
	if receipt.DocumentID == nil {
		receipt.DocumentID = obj.ID
	}
	if receipt.DocumentID == nil && receipt.TaskID == "" {
		return domain.UploadReceipt{}, domain.WrapError(domain.ErrInvalidInput, "paperless upload", fmt.Errorf("response has neither id nor task: %s", truncate(raw)))
	}
	return receipt, nil
}

type taskResponse struct {
	TaskID          string          `json:"task_id"`
	Status          string          `json:"status"`
	Result          *string         `json:"result"`
	RelatedDocument json.RawMessage `json:"related_document"`
}

func (c *Client) TaskStatus(ctx context.Context, taskID string) (domain.TaskState, error) {
	var tasks []taskResponse
	err := c.call(ctx, "task status", request{
		method: http.MethodGet,
		path:   "/api/tasks/",
		query:  url.Values{"task_id": {taskID}},
	}, &tasks)
	if err != nil {
		return domain.TaskState{}, err
	}
	if len(tasks) == 0 {
		return domain.TaskState{Status: "UNKNOWN"}, nil
	}

	task := tasks[0]
	state := domain.TaskState{Status: strings.ToUpper(strings.TrimSpace(task.Status))}
	if task.Result != nil {
		state.Message = *task.Result
	}
	if id, ok := parseRelatedDocument(task.RelatedDocument); ok {
		state.DocumentID = &id
	}
	return state, nil
}

// parseRelatedDocument handles both the numeric and the string encoding
// Paperless versions use for related_document.
func parseRelatedDocument(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, n > 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (c *Client) GetDocument(ctx context.Context, id int) (domain.RemoteDocument, error) {
	var doc domain.RemoteDocument
	err := c.call(ctx, "get document", request{
		method: http.MethodGet,
		path:   "/api/documents/" + strconv.Itoa(id) + "/",
	}, &doc)
	if err != nil {
		return domain.RemoteDocument{}, err
	}
	if doc.Tags == nil {
		doc.Tags = []int{}
	}
	return doc, nil
}

func (c *Client) UpdateTags(ctx context.Context, id int, tagIDs []int) error {
	if tagIDs == nil {
		tagIDs = []int{}
	}
	body, err := jsonBody(map[string]any{"tags": tagIDs})
	if err != nil {
		return err
	}
	return c.call(ctx, "update tags", request{
		method:      http.MethodPatch,
		path:        "/api/documents/" + strconv.Itoa(id) + "/",
		contentType: "application/json",
		body:        body,
	}, nil)
}

// FindByTitle returns every document id whose title matches case-insensitively.
func (c *Client) FindByTitle(ctx context.Context, title string) ([]int, error) {
	query := url.Values{
		"title__iexact": {title},
		"page_size":     {strconv.Itoa(c.pageSize)},
	}
	ids := []int{}
	err := paginate(ctx, c, "find by title", "/api/documents/", query, func(doc domain.RemoteDocument) error {
		if strings.EqualFold(strings.TrimSpace(doc.Title), strings.TrimSpace(title)) {
			ids = append(ids, doc.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) ListDocuments(ctx context.Context, fn func(domain.RemoteDocument) error) error {
	query := url.Values{
		"page_size": {strconv.Itoa(c.pageSize)},
		"ordering":  {"id"},
	}
	return paginate(ctx, c, "list documents", "/api/documents/", query, fn)
}

func truncate(raw []byte) string {
	const limit = 200
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}

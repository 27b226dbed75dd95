package paperless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

type namedEntity struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func entityPath(kind domain.EntityKind) (string, error) {
	switch kind {
	case domain.EntityCorrespondent, domain.EntityDocumentType, domain.EntityTag:
		return "/api/" + string(kind) + "/", nil
	default:
		return "", domain.WrapError(domain.ErrInvalidInput, "paperless entity", fmt.Errorf("unknown kind %q", kind))
	}
}

// FindEntity looks a name up with an exact, case-insensitive match.
func (c *Client) FindEntity(ctx context.Context, kind domain.EntityKind, name string) (int, bool, error) {
	path, err := entityPath(kind)
	if err != nil {
		return 0, false, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, false, domain.WrapError(domain.ErrInvalidInput, "paperless find entity", errors.New("empty name"))
	}

	errFound := errors.New("found")
	var id int
	err = paginate(ctx, c, "find "+string(kind), path, url.Values{"name__iexact": {name}}, func(e namedEntity) error {
		if strings.EqualFold(strings.TrimSpace(e.Name), name) {
			id = e.ID
			return errFound
		}
		return nil
	})
	if errors.Is(err, errFound) {
		return id, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	return 0, false, nil
}

// CreateEntity creates a name with matching disabled so Paperless never
// auto-assigns it. A name that already exists yields domain.ErrConflict.
func (c *Client) CreateEntity(ctx context.Context, kind domain.EntityKind, name string) (int, error) {
	path, err := entityPath(kind)
	if err != nil {
		return 0, err
	}
	body, err := jsonBody(map[string]any{
		"name":               strings.TrimSpace(name),
		"matching_algorithm": 0,
	})
	if err != nil {
		return 0, err
	}

	var created namedEntity
	err = c.call(ctx, "create "+string(kind), request{
		method:      http.MethodPost,
		path:        path,
		contentType: "application/json",
		body:        body,
	}, &created)
	if err != nil {
		return 0, err
	}
	if created.ID <= 0 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "paperless create "+string(kind), errors.New("response has no id"))
	}
	return created.ID, nil
}

package schema

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// HTTPRegistry talks to an external registry service speaking the
// subject/versions REST layout. The server enforces the same compatibility
// rule; 409 maps to ErrSchemaConflict.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRegistry(baseURL string) *HTTPRegistry {
	return &HTTPRegistry{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type registerResponse struct {
	Version int `json:"version"`
}

func (r *HTTPRegistry) Register(d Descriptor) (int, error) {
	if err := d.validate(); err != nil {
		return 0, err
	}
	body, err := json.Marshal(d)
	if err != nil {
		return 0, err
	}
	u := r.subjectURL(d.Subject) + "/versions"
	resp, err := r.client.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("schema: register %s: %w", d.Subject, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var out registerResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, err
		}
		return out.Version, nil
	case http.StatusConflict:
		return 0, fmt.Errorf("%w: subject %q rejected by registry", ErrSchemaConflict, d.Subject)
	default:
		return 0, registryStatusError("register", d.Subject, resp)
	}
}

func (r *HTTPRegistry) Resolve(subject string, version int) (Descriptor, error) {
	return r.fetch(subject, strconv.Itoa(version))
}

func (r *HTTPRegistry) Latest(subject string) (Descriptor, bool, error) {
	d, err := r.fetch(subject, "latest")
	if err != nil {
		if IsNotFound(err) {
			return Descriptor{}, false, nil
		}
		return Descriptor{}, false, err
	}
	return d, true, nil
}

func (r *HTTPRegistry) fetch(subject, version string) (Descriptor, error) {
	u := r.subjectURL(subject) + "/versions/" + version
	resp, err := r.client.Get(u)
	if err != nil {
		return Descriptor{}, fmt.Errorf("schema: resolve %s v%s: %w", subject, version, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var d Descriptor
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return Descriptor{}, err
		}
		return d, nil
	case http.StatusNotFound:
		return Descriptor{}, fmt.Errorf("%w: %s v%s", ErrNotFound, subject, version)
	default:
		return Descriptor{}, registryStatusError("resolve", subject, resp)
	}
}

func (r *HTTPRegistry) subjectURL(subject string) string {
	return r.baseURL + "/subjects/" + url.PathEscape(subject)
}

func registryStatusError(op, subject string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("schema: %s %s: registry returned %d: %s", op, subject, resp.StatusCode, msg)
}

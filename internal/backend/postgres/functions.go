package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
)

const maxFunctionResponse = 1 << 20

// Invoke POSTs body as JSON to <functions url>/<name> with the session's
// bearer token and returns the response body.
func (b *Backend) Invoke(ctx context.Context, name string, body any) (json.RawMessage, error) {
	if b.functionsURL == "" {
		return nil, fmt.Errorf("%w: %s (no functions url configured)", backend.ErrUnknownFunction, name)
	}
	if !validFunctionName(name) {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnknownFunction, name)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.functionsURL+"/"+name, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	b.mu.Lock()
	sess := b.session
	b.mu.Unlock()
	if sess != nil && sess.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFunctionResponse))
	if err != nil {
		return nil, fmt.Errorf("invoke %s: read response: %w", name, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", backend.ErrUnknownFunction, name)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("invoke %s: %s", name, functionError(resp.StatusCode, raw))
	}
	return json.RawMessage(raw), nil
}

// functionError extracts {"error": "..."} from a failed function response.
func functionError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return errors.New(body.Error)
	}
	return fmt.Errorf("status %d", status)
}

func validFunctionName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"dealhub/domain"
)

type Client struct {
	addr string
	http *http.Client
}

func NewClient(addr string) *Client {
	return &Client{addr: addr, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) SetInterval(ctx context.Context, d time.Duration) (time.Duration, error) {
	var r struct {
		Old string `json:"old"`
		New string `json:"new"`
	}
	if err := c.do(ctx, http.MethodPost, "/set-interval", map[string]interface{}{"duration": d.String()}, &r); err != nil {
		return 0, err
	}
	if r.Old != "" {
		if old, err := time.ParseDuration(r.Old); err == nil {
			return old, nil
		}
	}
	return 0, nil
}

func (c *Client) SetWorkers(ctx context.Context, n int) (int, error) {
	var r struct {
		Old int `json:"old"`
		New int `json:"new"`
	}
	if err := c.do(ctx, http.MethodPost, "/set-workers", map[string]interface{}{"workers": n}, &r); err != nil {
		return 0, err
	}
	return r.Old, nil
}

// Deal asks the running service for a deal. domain.ErrNoDeal is returned
// when the tenant's cache has nothing to offer.
func (c *Client) Deal(ctx context.Context, tenantID string, mode domain.PickMode) (DealResponse, error) {
	var r DealResponse
	path := "/tenants/" + url.PathEscape(tenantID) + "/deal?mode=" + url.QueryEscape(mode.String())
	err := c.do(ctx, http.MethodGet, path, nil, &r)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return DealResponse{}, domain.ErrNoDeal
	}
	return r, err
}

// StatusError is a non-2xx answer from the control server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server error: %s", e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.addr+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

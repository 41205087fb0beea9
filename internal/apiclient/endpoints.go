package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tinytelemetry/sfdwatch/internal/model"
	"github.com/tinytelemetry/sfdwatch/internal/normalize"
)

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (t tokenResponse) token() model.Token {
	return model.Token{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupRequest is the body of POST /user/signup.
type SignupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Name        string `json:"name"`
	Nickname    string `json:"nickname"`
	PhoneNumber string `json:"phoneNumber"`
}

// UpdateRequest is the body of PUT /user/update. Empty fields are omitted.
type UpdateRequest struct {
	Name        string `json:"name,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Password    string `json:"password,omitempty"`
}

// DomainRequest is the body of POST /domain/request.
type DomainRequest struct {
	Domain   string   `json:"domain"`
	Category []string `json:"category,omitempty"`
}

// ImageRef is the stored image of one detection.
type ImageRef struct {
	ObjectURL   string `json:"object_url"`
	CompletedAt string `json:"completed_at"`
}

// RecentRecords fetches recent records up to date and normalizes them.
// Malformed items are dropped and logged.
func (c *Client) RecentRecords(ctx context.Context, date time.Time) ([]model.DetectionRecord, error) {
	q := url.Values{}
	q.Set("date", date.Format("2006-01-02"))
	return c.records(ctx, "/records/recent", q)
}

// DefectAllData fetches the legacy analysis list and normalizes it.
func (c *Client) DefectAllData(ctx context.Context) ([]model.DetectionRecord, error) {
	return c.records(ctx, "/defectAllData", nil)
}

func (c *Client) records(ctx context.Context, path string, q url.Values) ([]model.DetectionRecord, error) {
	var raws []json.RawMessage
	if err := c.do(ctx, request{method: http.MethodGet, path: path, query: q}, &raws); err != nil {
		return nil, err
	}
	records, errs := c.norm.NormalizeBatch(raws)
	for _, err := range errs {
		normalize.Drop(path, err)
	}
	return records, nil
}

// Image returns the stored image of detection id. Results are cached.
func (c *Client) Image(ctx context.Context, id int64) (ImageRef, error) {
	key := strconv.FormatInt(id, 10)
	if v, ok := c.images.Get(key); ok {
		return v.(ImageRef), nil
	}

	var ref ImageRef
	if err := c.do(ctx, request{method: http.MethodGet, path: "/getImg/" + key}, &ref); err != nil {
		return ImageRef{}, err
	}
	c.images.Set(key, ref, cache.DefaultExpiration)
	return ref, nil
}

// UserInfo fetches the signed-in profile and caches it in the auth store.
func (c *Client) UserInfo(ctx context.Context) (model.User, error) {
	var u model.User
	if err := c.do(ctx, request{method: http.MethodGet, path: "/user/info"}, &u); err != nil {
		return model.User{}, err
	}
	if err := c.auth.SetUser(u); err != nil {
		log.Printf("apiclient: cache user: %v", err)
	}
	return u, nil
}

// CheckEmail reports whether email is already registered.
func (c *Client) CheckEmail(ctx context.Context, email string) (bool, error) {
	q := url.Values{}
	q.Set("email", strings.TrimSpace(email))
	var taken bool
	if err := c.do(ctx, request{method: http.MethodGet, path: "/user/check-email", query: q, public: true}, &taken); err != nil {
		return false, err
	}
	return taken, nil
}

// Login exchanges credentials for a token pair, stores it, and caches the
// user profile.
func (c *Client) Login(ctx context.Context, email, password string) (model.User, error) {
	payload, err := json.Marshal(loginRequest{Email: strings.TrimSpace(email), Password: password})
	if err != nil {
		return model.User{}, err
	}

	var tok tokenResponse
	if err := c.do(ctx, request{method: http.MethodPost, path: "/auth/login", body: payload, public: true}, &tok); err != nil {
		return model.User{}, err
	}
	if tok.AccessToken == "" {
		return model.User{}, fmt.Errorf("apiclient: login response has no access token")
	}
	if err := c.auth.SetToken(tok.token()); err != nil {
		return model.User{}, err
	}
	return c.UserInfo(ctx)
}

// Logout drops the stored session.
func (c *Client) Logout() error {
	c.images.Flush()
	return c.auth.Clear()
}

// Signup registers a new account.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (model.User, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return model.User{}, err
	}
	var u model.User
	if err := c.do(ctx, request{method: http.MethodPost, path: "/user/signup", body: payload, public: true}, &u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// UpdateUser changes profile fields of the signed-in account.
func (c *Client) UpdateUser(ctx context.Context, req UpdateRequest) (model.User, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return model.User{}, err
	}
	var u model.User
	if err := c.do(ctx, request{method: http.MethodPut, path: "/user/update", body: payload}, &u); err != nil {
		return model.User{}, err
	}
	if err := c.auth.SetUser(u); err != nil {
		log.Printf("apiclient: cache user: %v", err)
	}
	return u, nil
}

// RequestDomain asks for access to an inspection domain.
func (c *Client) RequestDomain(ctx context.Context, req DomainRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.do(ctx, request{method: http.MethodPost, path: "/domain/request", body: payload}, nil)
}

// Disconnect notifies the backend that this session's stream is gone.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodGet, path: "/session/disconnect"}, nil)
}

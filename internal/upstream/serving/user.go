package serving

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const currentUserPath = "/api/2.0/preview/scim/v2/Me"

type UserName struct {
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

type UserEmail struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// User is the SCIM identity of the caller whose token authorised the request.
type User struct {
	ID          string      `json:"id"`
	UserName    string      `json:"userName"`
	DisplayName string      `json:"displayName,omitempty"`
	Active      bool        `json:"active"`
	Name        *UserName   `json:"name,omitempty"`
	Emails      []UserEmail `json:"emails,omitempty"`
}

// CurrentUser resolves the identity behind the request token, falling back to
// the service token when the context carries none.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe("current_user", statusCode, time.Since(started)) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+currentUserPath, nil)
	if err != nil {
		return User{}, err
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return User{}, err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return User{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return User{}, &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(body))}
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return User{}, fmt.Errorf("decode current user: %w", err)
	}
	return user, nil
}

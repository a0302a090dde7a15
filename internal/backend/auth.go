package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SignIn exchanges email and password for a session using the password
// grant. On success the access token is used for later requests and pushed
// to joined realtime channels.
func (c *Client) SignIn(ctx context.Context, email, password string) (*AuthSession, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email", ErrMissingCredential)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password", ErrMissingCredential)
	}

	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("sign in: marshal: %w", err)
	}

	h := http.Header{}
	h.Set("apikey", c.apiKey)
	h.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/auth/v1/token?grant_type=password", h, body)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, authError(resp)
	}

	var session AuthSession
	if err := resp.JSON(&session); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", ErrAuth, err)
	}
	if session.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carried no access token", ErrAuth)
	}
	_ = resp.JSON(&session.Raw)

	c.setAccessToken(session.AccessToken)
	c.logger.Info("Signed in", "user_id", session.User.ID, "email", session.User.Email)
	return &session, nil
}

// SignOut revokes the current session on the server and forgets the token
// locally. The local token is cleared even if the server call fails.
func (c *Client) SignOut(ctx context.Context) error {
	token := c.AccessToken()
	if token == "" {
		return nil
	}
	c.setAccessToken("")

	h := http.Header{}
	h.Set("apikey", c.apiKey)
	h.Set("Authorization", "Bearer "+token)

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/auth/v1/logout?scope=local", h, nil)
	if err != nil {
		return err
	}
	switch {
	case resp.OK():
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		// The session is already gone server side.
	default:
		return authError(resp)
	}
	c.logger.Info("Signed out")
	return nil
}

// authError extracts the message of a GoTrue error body. Servers have used
// several shapes over time, so each known field is tried in turn.
func authError(resp *Response) error {
	var body struct {
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
		ErrorCode        string `json:"error_code"`
	}
	_ = resp.JSON(&body)

	msg := resp.Status
	for _, m := range []string{body.Msg, body.ErrorDescription, body.Message, body.Error} {
		if m != "" {
			msg = m
			break
		}
	}
	if body.ErrorCode != "" {
		return fmt.Errorf("%w: %s (%s)", ErrAuth, msg, body.ErrorCode)
	}
	return fmt.Errorf("%w: %s", ErrAuth, msg)
}

package api

import (
	"context"
	"errors"
	"net/http"
)

// ErrNotVerified is returned by Login and Verify when the account still needs
// its verification code.
var ErrNotVerified = errors.New("account not verified")

type Credentials struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

type authResult struct {
	AccessToken   *string `json:"accessToken"`
	VerifyAccount bool    `json:"verifyAccount"`
}

func (r authResult) token() (string, error) {
	if !r.VerifyAccount || r.AccessToken == nil || *r.AccessToken == "" {
		return "", ErrNotVerified
	}
	return *r.AccessToken, nil
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, in Credentials) (string, error) {
	var res authResult
	if err := c.do(ctx, http.MethodPost, "/auth/login", in, &res); err != nil {
		return "", err
	}
	return res.token()
}

type Registration struct {
	Username    string `json:"username" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
	Firstname   string `json:"firstname" validate:"required"`
	Lastname    string `json:"lastname" validate:"required"`
	Birthday    string `json:"birthday" validate:"required"`
	CountryCode string `json:"countryCode" validate:"required"`
	Language    string `json:"language" validate:"required"`
	GenderCode  string `json:"genderCode" validate:"required"`
	City        string `json:"city" validate:"required"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	RGPD        bool   `json:"rgpd" validate:"required"`
	Visibility  string `json:"visibility" validate:"required"`
}

type RegisterResult struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	AccessToken string `json:"accessToken"`
}

// Register creates an account. The account must then be verified.
func (c *Client) Register(ctx context.Context, in Registration) (RegisterResult, error) {
	var res RegisterResult
	if err := c.doPlain(ctx, http.MethodPost, "/auth/register", in, &res); err != nil {
		return RegisterResult{}, err
	}
	return res, nil
}

type verifyInput struct {
	Identifier string `json:"identifier" validate:"required"`
	Code       string `json:"code" validate:"required"`
}

// Verify confirms an account with the code it received and returns its
// access token.
func (c *Client) Verify(ctx context.Context, identifier, code string) (string, error) {
	var res authResult
	if err := c.do(ctx, http.MethodPost, "/auth/verify", verifyInput{Identifier: identifier, Code: code}, &res); err != nil {
		return "", err
	}
	return res.token()
}

type passwordResetInput struct {
	Email string `json:"email" validate:"required,email"`
}

func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/password/reset", passwordResetInput{Email: email}, nil)
}

type PasswordUpdate struct {
	Email    string `json:"email" validate:"required,email"`
	Code     string `json:"code" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

func (c *Client) UpdatePassword(ctx context.Context, in PasswordUpdate) error {
	return c.do(ctx, http.MethodPost, "/api/v1/password/update", in, nil)
}

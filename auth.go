package avrio

import (
	"context"
	"net/http"
)

// Authentication attaches identity to outgoing requests and may react to
// 401 challenges before the request is retried.
type Authentication interface {
	// Attach adds credentials to req. It is called before every attempt.
	Attach(req *http.Request) error

	// Challenge is offered every 401 response. handled reports whether the
	// strategy remediated the challenge and the request should be retried.
	// The caller owns resp and closes its body.
	Challenge(ctx context.Context, resp *http.Response) (handled bool, err error)

	// RecoverableErrors lists sentinel errors that represent expected auth
	// failures. Callers match them with errors.Is to special-case them.
	RecoverableErrors() []error
}

// StaticBearer attaches a fixed bearer token to every request.
type StaticBearer struct {
	Token string
}

var _ Authentication = StaticBearer{}

// NewStaticBearer returns a StaticBearer for token.
func NewStaticBearer(token string) StaticBearer {
	return StaticBearer{Token: token}
}

func (a StaticBearer) Attach(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// Challenge never intercepts: a rejected static token cannot be remediated.
func (a StaticBearer) Challenge(context.Context, *http.Response) (bool, error) {
	return false, nil
}

func (a StaticBearer) RecoverableErrors() []error {
	return nil
}

// BasicAuthentication sends HTTP basic credentials. The coordinator only
// accepts them over TLS.
type BasicAuthentication struct {
	Username string
	Password string
}

var _ Authentication = BasicAuthentication{}

func (a BasicAuthentication) Attach(req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

func (a BasicAuthentication) Challenge(context.Context, *http.Response) (bool, error) {
	return false, nil
}

func (a BasicAuthentication) RecoverableErrors() []error {
	return nil
}

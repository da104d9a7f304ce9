package voicecall

import (
	"context"
	"fmt"
	"net/url"
)

// Channel is an open duplex message channel to the session peer. Receive
// blocks for the next message and fails once the channel is closed from
// either side. Send may be called concurrently with Receive.
type Channel interface {
	Send(msg []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a Channel. Dial blocks until the peer accepts or ctx is done.
type Dialer interface {
	Dial(ctx context.Context, u *url.URL) (Channel, error)
}

type DialerFunc func(ctx context.Context, u *url.URL) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, u *url.URL) (Channel, error) {
	return f(ctx, u)
}

// SessionURL adds the persona query parameter to base, keeping any query
// parameters base already carries.
func SessionURL(base *url.URL, persona string) *url.URL {
	u := *base
	q := u.Query()
	q.Set("persona", persona)
	u.RawQuery = q.Encode()
	return &u
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parsing base URL %q: missing scheme or host", raw)
	}
	return u, nil
}

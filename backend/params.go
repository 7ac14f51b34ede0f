package backend

import (
	"context"
	"time"

	"github.com/vinayprograms/resultkit/broker"
	"github.com/vinayprograms/resultkit/errors"
)

// Params is the portable identity of a backend: enough to build an
// equivalent one in another process.
type Params struct {
	URL          string        `json:"url" yaml:"url"`
	Exchange     string        `json:"exchange" yaml:"exchange"`
	ExchangeType string        `json:"exchange_type" yaml:"exchange_type"`
	Persistent   bool          `json:"persistent" yaml:"persistent"`
	Serializer   string        `json:"serializer" yaml:"serializer"`
	AutoDelete   bool          `json:"auto_delete" yaml:"auto_delete"`
	Expires      time.Duration `json:"expires" yaml:"expires"`
}

// OpenFunc connects to the broker at a URL.
type OpenFunc func(ctx context.Context, url string) (broker.Broker, error)

// AsURI renders the broker URL. The password is masked unless
// includePassword is set.
func (b *Backend) AsURI(includePassword bool) string {
	if includePassword {
		return b.broker.URL()
	}
	return broker.MaskURL(b.broker.URL())
}

// Params returns the backend's portable identity.
func (b *Backend) Params() Params {
	return Params{
		URL:          b.broker.URL(),
		Exchange:     b.config.Exchange,
		ExchangeType: b.config.ExchangeType,
		Persistent:   b.config.Persistent,
		Serializer:   b.config.Serializer,
		AutoDelete:   b.config.AutoDelete,
		Expires:      b.config.Expires,
	}
}

// Config returns a backend configuration carrying the params. Settings
// outside the identity take their defaults.
func (p Params) Config() Config {
	cfg := DefaultConfig()
	cfg.Exchange = p.Exchange
	cfg.ExchangeType = p.ExchangeType
	cfg.Persistent = p.Persistent
	cfg.Serializer = p.Serializer
	cfg.AutoDelete = p.AutoDelete
	cfg.Expires = p.Expires
	return cfg
}

// FromParams opens the broker named by p and builds an equivalent backend.
// A nil open uses broker.Open.
func FromParams(ctx context.Context, p Params, open OpenFunc, opts ...Option) (*Backend, error) {
	if p.URL == "" {
		return nil, errors.InvalidInput("params carry no broker url")
	}
	if open == nil {
		open = broker.Open
	}

	br, err := open(ctx, p.URL)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeTransport, "open broker "+broker.MaskURL(p.URL))
	}
	b, err := New(br, p.Config(), opts...)
	if err != nil {
		br.Close()
		return nil, err
	}
	return b, nil
}

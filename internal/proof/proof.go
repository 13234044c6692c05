// Package proof decides whether an owner key may write key-values for a
// platform identity, by asking the proof service which identities the
// owner has proven.
package proof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"kvchain/internal/crypto"
	"kvchain/internal/domain"
)

// PlatformNextID is the platform whose identity is an owner key itself.
const PlatformNextID = "nextid"

// ErrProofService reports that the proof service could not answer. It is
// not a denial.
var ErrProofService = errors.New("proof service unavailable")

// Authorizer gates every link before it is drafted.
type Authorizer interface {
	// CanBind returns nil when owner may bind (platform, identity), and an
	// error wrapping domain.ErrAuthorization when it may not.
	CanBind(ctx context.Context, owner *crypto.Verifier, platform, identity string) error
}

// AllowAll authorizes every binding. It stands in for the proof service
// in development setups.
type AllowAll struct{}

func (AllowAll) CanBind(context.Context, *crypto.Verifier, string, string) error {
	return nil
}

// CheckNextID enforces that a nextid identity is the owner's own key, in
// any accepted encoding.
func CheckNextID(owner *crypto.Verifier, identity string) error {
	key, err := crypto.ParsePublicKeyHex(identity)
	if err != nil {
		return fmt.Errorf("%w: nextid identity: %w", domain.ErrAuthorization, err)
	}
	if !key.Equal(owner) {
		return fmt.Errorf("%w: identity and owner do not match for platform %s", domain.ErrAuthorization, PlatformNextID)
	}
	return nil
}

// Options configures a Client.
type Options struct {
	URL     string
	Timeout time.Duration

	// CacheTTL bounds how long a granted binding is remembered; zero
	// disables the cache.
	CacheTTL time.Duration

	// RateLimit caps outbound queries per second; zero disables it.
	RateLimit float64
}

// Client is the Authorizer backed by the proof service HTTP API.
type Client struct {
	base    string
	http    *http.Client
	cache   *cache.Cache
	ttl     time.Duration
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

func NewClient(opts Options, logger logrus.FieldLogger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := int(opts.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		base:    strings.TrimRight(opts.URL, "/"),
		http:    &http.Client{Timeout: timeout},
		cache:   cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		ttl:     opts.CacheTTL,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.WithField("component", "proof_client"),
	}
}

type queryResponse struct {
	IDs []struct {
		Persona string `json:"persona"`
		Proofs  []struct {
			Platform string `json:"platform"`
			Identity string `json:"identity"`
			IsValid  bool   `json:"is_valid"`
		} `json:"proofs"`
	} `json:"ids"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// CanBind authorizes nextid bindings locally. Anything else needs a proof
// of (platform, identity) under the owner's persona on the proof service.
// Proof validity flags are not consulted. Granted bindings are cached.
func (c *Client) CanBind(ctx context.Context, owner *crypto.Verifier, platform, identity string) error {
	if platform == PlatformNextID {
		return CheckNextID(owner, identity)
	}

	persona := "0x" + owner.CompressedHex()
	key := persona + "\x00" + platform + "\x00" + identity
	if _, ok := c.cache.Get(key); ok {
		return nil
	}

	log := c.log.WithFields(logrus.Fields{"persona": persona, "platform": platform, "identity": identity})
	resp, err := c.query(ctx, persona)
	if err != nil {
		log.WithError(err).Error("Proof service query failed")
		return err
	}

	for _, id := range resp.IDs {
		if !strings.EqualFold(id.Persona, persona) {
			continue
		}
		for _, p := range id.Proofs {
			if p.Platform == platform && p.Identity == identity {
				if c.ttl > 0 {
					c.cache.SetDefault(key, struct{}{})
				}
				log.Debug("Binding authorized")
				return nil
			}
		}
		log.Info("Proof not found under persona")
		return fmt.Errorf("%w: proof not found under persona %s", domain.ErrAuthorization, persona)
	}
	log.Info("Persona not found on proof service")
	return fmt.Errorf("%w: persona not found on proof service: %s", domain.ErrAuthorization, persona)
}

func (c *Client) query(ctx context.Context, persona string) (*queryResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProofService, err)
	}

	q := url.Values{}
	q.Set("platform", PlatformNextID)
	q.Set("identity", persona)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/proof?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProofService, err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProofService, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrProofService, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		var e errorResponse
		_ = json.Unmarshal(body, &e)
		if e.Message == "" {
			e.Message = http.StatusText(res.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrProofService, res.StatusCode, e.Message)
	}

	var out queryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrProofService, err)
	}
	return &out, nil
}

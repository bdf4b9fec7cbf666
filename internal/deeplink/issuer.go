package deeplink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"companion/internal/domain"
)

// maxStartParam is the chat platform's limit for the /start parameter.
const maxStartParam = 64

// ErrInvalidRequest is returned by Issue for requests that can never succeed.
var ErrInvalidRequest = errors.New("invalid deep link request")

// Store persists issued links.
type Store interface {
	CreateDeepLink(ctx context.Context, link domain.DeepLink) error
}

// IssueRequest describes the CTA a deep link is generated for.
type IssueRequest struct {
	Flow        domain.Flow   `json:"flow"`
	Target      domain.Target `json:"target"`
	Topic       string        `json:"topic,omitempty"`
	EntityRef   string        `json:"entity_ref,omitempty"`
	SourcePage  string        `json:"source_page,omitempty"`
	AnonymousID string        `json:"anonymous_id,omitempty"`
	LeadID      string        `json:"lead_id,omitempty"`
}

// Issued is a persisted link plus the URL to put behind the CTA.
type Issued struct {
	Link  domain.DeepLink `json:"link"`
	Token string          `json:"token,omitempty"`
	URL   string          `json:"url"`
}

// Issuer creates deep links.
type Issuer struct {
	store       Store
	botUsername string
	channelURL  string
	ttl         time.Duration
	now         func() time.Time
	log         logrus.FieldLogger
}

// NewIssuer creates an Issuer. A non-positive ttl falls back to
// domain.DefaultDeepLinkTTL.
func NewIssuer(store Store, botUsername, channelURL string, ttl time.Duration, logger logrus.FieldLogger) *Issuer {
	if ttl <= 0 {
		ttl = domain.DefaultDeepLinkTTL
	}
	return &Issuer{
		store:       store,
		botUsername: strings.TrimPrefix(botUsername, "@"),
		channelURL:  channelURL,
		ttl:         ttl,
		now:         time.Now,
		log:         logger.WithField("component", "deeplink_issuer"),
	}
}

// Issue generates, stores and returns a new deep link.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (Issued, error) {
	if req.Flow == "" {
		return Issued{}, fmt.Errorf("%w: flow is required", ErrInvalidRequest)
	}
	if !req.Flow.Known() {
		return Issued{}, fmt.Errorf("%w: unknown flow %q", ErrInvalidRequest, req.Flow)
	}
	if req.Target == "" {
		req.Target = domain.TargetBot
	}
	if req.Target != domain.TargetBot && req.Target != domain.TargetChannel {
		return Issued{}, fmt.Errorf("%w: unknown target %q", ErrInvalidRequest, req.Target)
	}

	id, err := NewShortID()
	if err != nil {
		return Issued{}, err
	}
	now := i.now()
	link := domain.DeepLink{
		ID:          id,
		Flow:        req.Flow,
		Target:      req.Target,
		Topic:       req.Topic,
		EntityRef:   req.EntityRef,
		SourcePage:  req.SourcePage,
		AnonymousID: req.AnonymousID,
		LeadID:      req.LeadID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(i.ttl),
	}
	if err := i.store.CreateDeepLink(ctx, link); err != nil {
		return Issued{}, fmt.Errorf("failed to store deep link: %w", err)
	}

	log := i.log.WithFields(logrus.Fields{"deep_link_id": id, "flow": req.Flow, "target": req.Target})

	if req.Target == domain.TargetChannel {
		log.Info("Issued channel deep link")
		return Issued{Link: link, URL: i.channelURL}, nil
	}

	token, err := StartToken(link)
	if err != nil {
		return Issued{}, err
	}
	u := url.URL{Scheme: "https", Host: "t.me", Path: "/" + i.botUsername}
	u.RawQuery = url.Values{"start": {token}}.Encode()

	log.Info("Issued bot deep link")
	return Issued{Link: link, Token: token, URL: u.String()}, nil
}

// StartToken encodes link for the /start parameter. When the full payload is
// longer than the platform allows, e and s are dropped first, then t; the
// stored link still carries the rest.
func StartToken(link domain.DeepLink) (string, error) {
	full := Payload{
		DL:         link.ID,
		Flow:       link.Flow,
		Topic:      link.Topic,
		EntityRef:  link.EntityRef,
		SourcePage: link.SourcePage,
	}
	token, err := Encode(full)
	if err != nil {
		return "", err
	}
	if len(token) <= maxStartParam {
		return token, nil
	}
	if link.Topic != "" {
		token, err = Encode(Payload{DL: link.ID, Flow: link.Flow, Topic: link.Topic})
		if err != nil {
			return "", err
		}
		if len(token) <= maxStartParam {
			return token, nil
		}
	}
	return Encode(Payload{DL: link.ID, Flow: link.Flow})
}

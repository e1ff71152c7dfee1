// Package rest implements the provider contracts against a provider-gateway
// service: a single internal HTTP facade that fronts the external KYC,
// screening, banking, and account vendors. The workflow core stays vendor
// agnostic; swapping a vendor is a gateway concern.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"veriflow/internal/providers"
	"veriflow/pkg/domain"
	"veriflow/pkg/faults"
	"veriflow/pkg/platform/circuit"
)

// probeInterval is how often an open circuit lets a single request through
// so a recovered provider can close it again.
const probeInterval = 15 * time.Second

// Client is the shared JSON-over-HTTP transport for all adapters. Each
// provider gets its own circuit breaker so one melting vendor does not burn
// request budget for the others.
type Client struct {
	base   string
	apiKey string
	http   *http.Client

	mu       sync.Mutex
	breakers map[string]*breakerState
}

type breakerState struct {
	b         *circuit.Breaker
	lastProbe time.Time
}

// NewClient builds the gateway transport. base is the gateway's root URL.
func NewClient(base, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:     strings.TrimRight(base, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
		breakers: make(map[string]*breakerState),
	}
}

func (c *Client) breaker(provider string) *breakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.breakers[provider]
	if !ok {
		st = &breakerState{b: circuit.New(provider)}
		c.breakers[provider] = st
	}
	return st
}

// allow reports whether a request may go out. An open circuit admits one
// probe per probeInterval.
func (c *Client) allow(st *breakerState) bool {
	if !st.b.IsOpen() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(st.lastProbe) < probeInterval {
		return false
	}
	st.lastProbe = time.Now()
	return true
}

// fail records a failed call and starts the probe window when the circuit
// tips open.
func (c *Client) fail(st *breakerState) {
	if _, change := st.b.RecordFailure(); change.Opened {
		c.mu.Lock()
		st.lastProbe = time.Now()
		c.mu.Unlock()
	}
}

// post sends in as JSON and decodes the response into out. Gateway errors are
// surfaced as external-service faults so the retry policies can classify them.
func (c *Client) post(ctx context.Context, provider, path string, in, out any) error {
	st := c.breaker(provider)
	if !c.allow(st) {
		return faults.External(provider, "circuit_open", "provider circuit is open", nil)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.fail(st)
		return faults.External(provider, "gateway_unreachable", "provider gateway request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		ferr := faults.External(provider, "gateway_error",
			fmt.Sprintf("provider gateway returned %d", resp.StatusCode), nil).
			With("body", string(msg))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			// The provider answered; a rejected request is not an outage.
			st.b.RecordSuccess()
			return ferr.MarkNonRetryable()
		}
		c.fail(st)
		return ferr
	}
	st.b.RecordSuccess()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.External(provider, "gateway_bad_response", "provider gateway response was not decodable", err)
	}
	return nil
}

// Document fronts the document-verification vendor.
type Document struct{ c *Client }

func NewDocument(c *Client) *Document { return &Document{c: c} }

func (d *Document) CreateApplicant(ctx context.Context, subject domain.SubjectID, pkg string) (string, error) {
	var out struct {
		Reference string `json:"reference"`
	}
	err := d.c.post(ctx, providers.NameDocument, "/document/applicants", map[string]string{
		"subject_id": subject.String(),
		"package":    pkg,
	}, &out)
	return out.Reference, err
}

func (d *Document) Check(ctx context.Context, reference string) (domain.VerificationResult, error) {
	var out domain.VerificationResult
	err := d.c.post(ctx, providers.NameDocument, "/document/checks", map[string]string{
		"reference": reference,
	}, &out)
	return out, err
}

// Background fronts the background-check vendor.
type Background struct{ c *Client }

func NewBackground(c *Client) *Background { return &Background{c: c} }

func (b *Background) Run(ctx context.Context, subject domain.SubjectID, pkg string) (domain.VerificationResult, error) {
	var out domain.VerificationResult
	err := b.c.post(ctx, providers.NameBackground, "/background/checks", map[string]string{
		"subject_id": subject.String(),
		"package":    pkg,
	}, &out)
	return out, err
}

// Screener fronts one of the compliance screening lists.
type Screener struct {
	c    *Client
	name string
}

// NewScreener builds a screener for one list; name is one of the provider
// name constants (sanctions, watchlist, pep).
func NewScreener(c *Client, name string) *Screener { return &Screener{c: c, name: name} }

func (s *Screener) Screen(ctx context.Context, subject domain.SubjectID) (domain.ScreenResult, error) {
	var out domain.ScreenResult
	err := s.c.post(ctx, s.name, "/screens/"+s.name, map[string]string{
		"subject_id": subject.String(),
	}, &out)
	return out, err
}

// Wallet fronts the on-chain address screening vendor.
type Wallet struct{ c *Client }

func NewWallet(c *Client) *Wallet { return &Wallet{c: c} }

func (w *Wallet) ScreenAddress(ctx context.Context, address string) (domain.ScreenResult, error) {
	var out domain.ScreenResult
	err := w.c.post(ctx, providers.NameWallet, "/screens/wallet", map[string]string{
		"address": address,
	}, &out)
	return out, err
}

// Accreditation fronts the accredited-investor verification vendor.
type Accreditation struct{ c *Client }

func NewAccreditation(c *Client) *Accreditation { return &Accreditation{c: c} }

func (a *Accreditation) Verify(ctx context.Context, subject domain.SubjectID) (domain.VerificationResult, error) {
	var out domain.VerificationResult
	err := a.c.post(ctx, providers.NameAccreditation, "/accreditation/verifications", map[string]string{
		"subject_id": subject.String(),
	}, &out)
	return out, err
}

// BankLink fronts the bank account linking vendor.
type BankLink struct{ c *Client }

func NewBankLink(c *Client) *BankLink { return &BankLink{c: c} }

func (b *BankLink) Link(ctx context.Context, subject domain.SubjectID, idempotencyKey string) (domain.VerificationResult, error) {
	var out domain.VerificationResult
	err := b.c.post(ctx, providers.NameBankLink, "/bank/links", map[string]string{
		"subject_id":      subject.String(),
		"idempotency_key": idempotencyKey,
	}, &out)
	return out, err
}

func (b *BankLink) Unlink(ctx context.Context, reference string) error {
	return b.c.post(ctx, providers.NameBankLink, "/bank/unlinks", map[string]string{
		"reference": reference,
	}, nil)
}

// Accounts fronts the account-of-record service.
type Accounts struct{ c *Client }

func NewAccounts(c *Client) *Accounts { return &Accounts{c: c} }

func (a *Accounts) Create(ctx context.Context, subject domain.SubjectID, tier domain.Tier) (providers.AccountRecord, error) {
	var out providers.AccountRecord
	err := a.c.post(ctx, "accounts", "/accounts", map[string]string{
		"subject_id": subject.String(),
		"tier":       tier.String(),
	}, &out)
	return out, err
}

func (a *Accounts) Delete(ctx context.Context, reference string) error {
	return a.c.post(ctx, "accounts", "/accounts/delete", map[string]string{
		"reference": reference,
	}, nil)
}

func (a *Accounts) SetKYCStatus(ctx context.Context, subject domain.SubjectID, status domain.Outcome) error {
	return a.c.post(ctx, "accounts", "/accounts/kyc-status", map[string]string{
		"subject_id": subject.String(),
		"status":     string(status),
	}, nil)
}

func (a *Accounts) SetTier(ctx context.Context, subject domain.SubjectID, tier domain.Tier) error {
	return a.c.post(ctx, "accounts", "/accounts/tier", map[string]string{
		"subject_id": subject.String(),
		"tier":       tier.String(),
	}, nil)
}

func (a *Accounts) Suspend(ctx context.Context, subject domain.SubjectID, reason string) error {
	return a.c.post(ctx, "accounts", "/accounts/suspend", map[string]string{
		"subject_id": subject.String(),
		"reason":     reason,
	}, nil)
}

// Notifier fronts the user notification service.
type Notifier struct{ c *Client }

func NewNotifier(c *Client) *Notifier { return &Notifier{c: c} }

func (n *Notifier) Send(ctx context.Context, subject domain.SubjectID, template string, fields map[string]string) error {
	return n.c.post(ctx, "notifier", "/notifications", map[string]any{
		"subject_id": subject.String(),
		"template":   template,
		"fields":     fields,
	}, nil)
}

// Rewards fronts the reward minting service.
type Rewards struct{ c *Client }

func NewRewards(c *Client) *Rewards { return &Rewards{c: c} }

func (r *Rewards) Mint(ctx context.Context, subject domain.SubjectID, idempotencyKey string) error {
	return r.c.post(ctx, "rewards", "/rewards/mints", map[string]string{
		"subject_id":      subject.String(),
		"idempotency_key": idempotencyKey,
	}, nil)
}

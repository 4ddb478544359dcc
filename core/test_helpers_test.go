package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

const (
	testInstanceID  = "inst_1"
	testFromAccount = "12345678903"
	testToAccount   = "98765432103"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(now time.Time) *fixedClock {
	return &fixedClock{now: now}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubTokenEndpoint struct {
	mu           sync.Mutex
	calls        atomic.Int32
	delay        time.Duration
	started      chan struct{}
	release      chan struct{}
	next         func(call int, refreshToken string) (TokenPair, error)
	seenRefresh  []string
	exchangeCode string
	exchanged    TokenPair
}

func (e *stubTokenEndpoint) Refresh(ctx context.Context, _ Credential, refreshToken string) (TokenPair, error) {
	call := int(e.calls.Add(1))
	e.mu.Lock()
	e.seenRefresh = append(e.seenRefresh, refreshToken)
	e.mu.Unlock()
	if e.started != nil {
		select {
		case e.started <- struct{}{}:
		default:
		}
	}
	if e.release != nil {
		<-e.release
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.next != nil {
		return e.next(call, refreshToken)
	}
	return TokenPair{
		AccessToken:  fmt.Sprintf("access-%d", call),
		RefreshToken: fmt.Sprintf("refresh-%d", call),
		TokenType:    "Bearer",
		AccessExpiry: time.Now().UTC().Add(time.Hour),
	}, nil
}

func (e *stubTokenEndpoint) Exchange(_ context.Context, _ Credential, code string, _ string) (TokenPair, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exchangeCode = code
	if e.exchanged.RefreshToken != "" {
		return e.exchanged, nil
	}
	return TokenPair{
		AccessToken:  "access-from-code",
		RefreshToken: "refresh-from-code",
		AccessExpiry: time.Now().UTC().Add(time.Hour),
	}, nil
}

func (e *stubTokenEndpoint) AuthorizationURL(credential Credential, redirectURI string, state string) (string, error) {
	return fmt.Sprintf("https://bank.example/authorize?client_id=%s&redirect_uri=%s&state=%s", credential.ClientID, redirectURI, state), nil
}

func (e *stubTokenEndpoint) refreshTokens() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seenRefresh...)
}

type stubTransport struct {
	mu        sync.Mutex
	responses []TransportResponse
	err       error
	requests  []TransportRequest
}

func (t *stubTransport) Do(_ context.Context, req TransportRequest) (TransportResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	if t.err != nil {
		return TransportResponse{}, t.err
	}
	if len(t.responses) == 0 {
		return TransportResponse{StatusCode: 200, Body: []byte(`{}`)}, nil
	}
	res := t.responses[0]
	if len(t.responses) > 1 {
		t.responses = t.responses[1:]
	}
	return res, nil
}

func (t *stubTransport) sent() []TransportRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TransportRequest(nil), t.requests...)
}

type stubTokenSource struct {
	token       string
	refreshed   string
	forceCalls  atomic.Int32
	ensureCalls atomic.Int32
	err         error
}

func (s *stubTokenSource) EnsureValidToken(context.Context, string) (string, error) {
	s.ensureCalls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

func (s *stubTokenSource) ForceRefresh(context.Context, string, string) (string, error) {
	s.forceCalls.Add(1)
	return s.refreshed, nil
}

type stubRateLimitPolicy struct {
	mu      sync.Mutex
	before  int
	after   []ProviderResponseMeta
	urgency []CallUrgency
	err     error
}

func (p *stubRateLimitPolicy) BeforeCall(_ context.Context, _ RateLimitKey, urgency CallUrgency) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.before++
	p.urgency = append(p.urgency, urgency)
	return p.err
}

func (p *stubRateLimitPolicy) AfterCall(_ context.Context, _ RateLimitKey, meta ProviderResponseMeta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.after = append(p.after, meta)
	return nil
}

// stubBankGateway serves accounts and transfers from memory.
type stubBankGateway struct {
	mu            sync.Mutex
	accounts      []Account
	balances      map[string]Balance
	balanceErrs   map[string]error
	listErr       error
	listCalls     int
	balanceCalls  []string
	debitResponse TransferResponse
	debitErr      error
	creditResp    TransferResponse
	debits        []DebitPayload
	creditCards   []CreditCardPayload
	urgencies     []CallUrgency
}

func newStubBankGateway() *stubBankGateway {
	return &stubBankGateway{
		accounts: []Account{
			{AccountNumber: testFromAccount, Name: "Brukskonto", Kind: AccountKindChecking, Currency: "NOK"},
			{AccountNumber: testToAccount, Name: "Sparekonto", Kind: AccountKindSavings, Currency: "NOK"},
			{AccountNumber: "K1234", AccountID: "cc-1", Name: "Kredittkort", Kind: AccountKindCreditCard, Currency: "NOK", Balance: decimal.RequireFromString("-1500")},
		},
		balances: map[string]Balance{
			testFromAccount: {Booked: decimal.RequireFromString("1000.50"), Currency: "NOK"},
			testToAccount:   {Booked: decimal.RequireFromString("250"), Currency: "NOK"},
		},
		balanceErrs:   map[string]error{},
		debitResponse: TransferResponse{StatusCode: 201, PaymentID: "pay-1", Body: map[string]any{"paymentId": "pay-1"}},
		creditResp:    TransferResponse{StatusCode: 201, PaymentID: "pay-cc", Body: map[string]any{"paymentId": "pay-cc"}},
	}
}

func (g *stubBankGateway) ListAccounts(_ context.Context, _ string, urgency CallUrgency) ([]Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls++
	g.urgencies = append(g.urgencies, urgency)
	if g.listErr != nil {
		return nil, g.listErr
	}
	return append([]Account(nil), g.accounts...), nil
}

func (g *stubBankGateway) FetchBalance(_ context.Context, _ string, accountNumber string, urgency CallUrgency) (Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balanceCalls = append(g.balanceCalls, accountNumber)
	g.urgencies = append(g.urgencies, urgency)
	if err := g.balanceErrs[accountNumber]; err != nil {
		return Balance{}, err
	}
	balance, ok := g.balances[accountNumber]
	if !ok {
		return Balance{}, NewNetworkFailureError("balance", fmt.Errorf("no balance for %s", accountNumber))
	}
	return balance, nil
}

func (g *stubBankGateway) SubmitDebit(_ context.Context, _ string, payload DebitPayload) (TransferResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.debits = append(g.debits, payload)
	if g.debitErr != nil {
		return TransferResponse{}, g.debitErr
	}
	return g.debitResponse, nil
}

func (g *stubBankGateway) SubmitCreditCard(_ context.Context, _ string, payload CreditCardPayload) (TransferResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creditCards = append(g.creditCards, payload)
	return g.creditResp, nil
}

func (g *stubBankGateway) transferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.debits) + len(g.creditCards)
}

type staticResolver struct {
	accounts map[string]Account
	calls    int
}

func (r *staticResolver) ResolveAccount(_ context.Context, _ Instance, reference string) (Account, bool, error) {
	r.calls++
	account, ok := r.accounts[strings.TrimSpace(reference)]
	return account, ok, nil
}

func testInstance() Instance {
	return Instance{
		ID:              testInstanceID,
		Name:            "Hjemme",
		CredentialRef:   "cred_1",
		DefaultCurrency: "NOK",
		MaxAmount:       decimal.NewFromInt(10000),
	}
}

func seedAuthorizedInstance(store *MemoryCredentialStore, instances *MemoryInstanceStore, pair TokenPair) {
	ctx := context.Background()
	_ = store.PutCredential(ctx, Credential{Ref: "cred_1", ClientID: "client", ClientSecret: "secret"})
	_, _ = instances.UpsertInstance(ctx, testInstance())
	if pair.RefreshToken != "" || pair.AccessToken != "" {
		_, _ = store.PutTokenPair(ctx, testInstanceID, pair)
	}
}

type testServiceFixture struct {
	service   *Service
	gateway   *stubBankGateway
	endpoint  *stubTokenEndpoint
	transport *stubTransport
	publisher *RecordingPublisher
	creds     *MemoryCredentialStore
	instances *MemoryInstanceStore
}

func newTestService(extra ...Option) (*testServiceFixture, error) {
	fixture := &testServiceFixture{
		gateway:   newStubBankGateway(),
		endpoint:  &stubTokenEndpoint{},
		transport: &stubTransport{},
		publisher: &RecordingPublisher{},
		creds:     NewMemoryCredentialStore(),
		instances: NewMemoryInstanceStore(),
	}
	seedAuthorizedInstance(fixture.creds, fixture.instances, TokenPair{
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		AccessExpiry: time.Now().UTC().Add(time.Hour),
	})
	opts := []Option{
		WithCredentialStore(fixture.creds),
		WithInstanceStore(fixture.instances),
		WithTokenEndpoint(fixture.endpoint),
		WithTransport(fixture.transport),
		WithBankGateway(func(APICaller, Config) BankGateway { return fixture.gateway }),
		WithOutcomePublisher(fixture.publisher),
	}
	svc, err := NewService(DefaultConfig(), append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	fixture.service = svc
	return fixture, nil
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	return l.values, nil
}

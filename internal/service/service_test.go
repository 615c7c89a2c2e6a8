package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Klinti13/klint-market-gateway/internal/catalog"
	"github.com/Klinti13/klint-market-gateway/internal/model"
	"github.com/Klinti13/klint-market-gateway/internal/pricing"
	"github.com/Klinti13/klint-market-gateway/internal/storage"
	"github.com/Klinti13/klint-market-gateway/internal/upstream"
)

type memStorage struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{blobs: make(map[string][]byte)}
}

func (m *memStorage) Close() error { return nil }

func (m *memStorage) SaveBlob(ctx context.Context, scope, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[scope+"/"+key] = data
	return nil
}

func (m *memStorage) LoadBlob(ctx context.Context, scope, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[scope+"/"+key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memStorage) DeleteBlob(ctx context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, scope+"/"+key)
	return nil
}

type stubAPI struct {
	mu sync.Mutex

	loginCreds *upstream.Credentials
	loginErr   error

	orderResult *upstream.OrderResult
	orderErr    error
	orderDelay  time.Duration
	orderCalls  int
	lastOrder   upstream.OrderRequest

	profileErr     error
	profileCalls   int
	ordersResp     []model.Order
	myOrdersErr    error
	registerCalled bool
}

func (a *stubAPI) Login(ctx context.Context, email, password string) (*upstream.Credentials, error) {
	return a.loginCreds, a.loginErr
}

func (a *stubAPI) Register(ctx context.Context, name, email, password string) error {
	a.registerCalled = true
	return nil
}

func (a *stubAPI) VerifyOTP(ctx context.Context, email, otp string) (*upstream.Credentials, error) {
	return a.loginCreds, a.loginErr
}

func (a *stubAPI) UpdateProfile(ctx context.Context, token string, p model.ShippingProfile) (model.ShippingProfile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profileCalls++
	if a.profileErr != nil {
		return model.ShippingProfile{}, a.profileErr
	}
	return p, nil
}

func (a *stubAPI) CreateOrder(ctx context.Context, token string, order upstream.OrderRequest) (*upstream.OrderResult, error) {
	a.mu.Lock()
	a.orderCalls++
	a.lastOrder = order
	a.mu.Unlock()

	if a.orderDelay > 0 {
		time.Sleep(a.orderDelay)
	}
	if a.orderErr != nil {
		return nil, a.orderErr
	}
	return a.orderResult, nil
}

func (a *stubAPI) MyOrders(ctx context.Context, token string) ([]model.Order, error) {
	if a.myOrdersErr != nil {
		return nil, a.myOrdersErr
	}
	return a.ordersResp, nil
}

type stubFetcher struct {
	products []model.Product
}

func (f *stubFetcher) Products(ctx context.Context) ([]model.Product, error) {
	return f.products, nil
}

func testCatalog() *catalog.Cache {
	return catalog.NewCache(&stubFetcher{products: []model.Product{
		{ID: "p1", Name: "Vaj Ulliri", Price: 850, Category: "Bio", Image: "img1"},
		{ID: "p2", Name: "Veze Fshati", Price: 300, Category: "Bio", Image: "img2"},
	}}, time.Minute)
}

func testCredentials(points int64) *upstream.Credentials {
	return &upstream.Credentials{
		UserID: "u1",
		Name:   "Ana",
		Token:  "tok-123",
		Points: points,
		Profile: model.ShippingProfile{
			Address: "Rruga 1",
			City:    "Tirana",
			Phone:   "+355 67",
		},
	}
}

func newTestService(api *stubAPI) (*Service, *memStorage) {
	st := newMemStorage()
	return NewService(st, api, testCatalog(), nil), st
}

func login(t *testing.T, svc *Service) *model.Session {
	t.Helper()
	sess, err := svc.Login(context.Background(), "ana@example.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return sess
}

func TestLogin_CreatesPersistedSession(t *testing.T) {
	api := &stubAPI{loginCreds: testCredentials(1500)}
	svc, _ := newTestService(api)

	sess := login(t, svc)

	restored, err := svc.Session(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if restored.Name != "Ana" || restored.Points != 1500 || restored.Token != "tok-123" {
		t.Fatalf("unexpected session: %+v", restored)
	}
}

func TestSession_MissingOrCorrupt(t *testing.T) {
	api := &stubAPI{}
	svc, st := newTestService(api)

	if _, err := svc.Session(context.Background(), "unknown"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("missing session: err = %v, want ErrAuthRequired", err)
	}

	_ = st.SaveBlob(context.Background(), storage.ScopeSession, "broken", []byte("{{{not json"))
	if _, err := svc.Session(context.Background(), "broken"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("corrupt session: err = %v, want ErrAuthRequired", err)
	}
}

func TestLogout_PurgesSession(t *testing.T) {
	api := &stubAPI{loginCreds: testCredentials(0)}
	svc, _ := newTestService(api)

	sess := login(t, svc)

	if err := svc.Logout(context.Background(), sess.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.Session(context.Background(), sess.ID); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("session must be gone after logout, err = %v", err)
	}
}

func TestAddToCart_PersistsAcrossReload(t *testing.T) {
	api := &stubAPI{}
	svc, st := newTestService(api)
	ctx := context.Background()

	if _, err := svc.AddToCart(ctx, "c1", "p1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if _, err := svc.AddToCart(ctx, "c1", "p1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if _, err := svc.AddToCart(ctx, "c1", "p2"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}

	// Новый сервис поверх того же хранилища имитирует перезапуск.
	svc2 := NewService(st, api, testCatalog(), nil)

	c, quote, err := svc2.Cart(ctx, "c1")
	if err != nil {
		t.Fatalf("Cart: %v", err)
	}
	if len(c.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(c.Lines))
	}
	if c.Lines[0].Qty != 2 || c.Lines[1].Qty != 1 {
		t.Fatalf("unexpected quantities: %+v", c.Lines)
	}
	if quote.Subtotal != 2000 {
		t.Fatalf("subtotal = %d, want 2000", quote.Subtotal)
	}
}

func TestAddToCart_UnknownProduct(t *testing.T) {
	api := &stubAPI{}
	svc, _ := newTestService(api)

	_, err := svc.AddToCart(context.Background(), "c1", "missing")
	if !errors.Is(err, catalog.ErrProductNotFound) {
		t.Fatalf("err = %v, want ErrProductNotFound", err)
	}
}

func TestApplyPromo_RequiresAuth(t *testing.T) {
	api := &stubAPI{}
	svc, _ := newTestService(api)

	_, err := svc.ApplyPromo(context.Background(), "c1", "", "KLINT10")
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
}

func TestApplyPromo_ValidAndInvalid(t *testing.T) {
	api := &stubAPI{loginCreds: testCredentials(0)}
	svc, _ := newTestService(api)
	ctx := context.Background()

	sess := login(t, svc)

	c, err := svc.ApplyPromo(ctx, "c1", sess.ID, "klint10")
	if err != nil {
		t.Fatalf("ApplyPromo: %v", err)
	}
	if c.Promotion.Kind != model.PromotionCode || c.Promotion.Code != "KLINT10" {
		t.Fatalf("promotion = %+v, want code KLINT10", c.Promotion)
	}

	// Неверный код сбрасывает ранее применённую скидку.
	c, err = svc.ApplyPromo(ctx, "c1", sess.ID, "WRONG")
	if !errors.Is(err, pricing.ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode", err)
	}
	if c.Promotion.Kind != model.PromotionNone {
		t.Fatalf("promotion = %+v, want none", c.Promotion)
	}
}

func TestToggleVip_Gating(t *testing.T) {
	api := &stubAPI{loginCreds: testCredentials(500)}
	svc, _ := newTestService(api)
	ctx := context.Background()

	sess := login(t, svc)

	_, err := svc.ToggleVip(ctx, "c1", sess.ID)
	if !errors.Is(err, pricing.ErrNotEnoughPoints) {
		t.Fatalf("err = %v, want ErrNotEnoughPoints", err)
	}
}

func TestToggleVip_ToggleOnOff(t *testing.T) {
	api := &stubAPI{loginCreds: testCredentials(1500)}
	svc, _ := newTestService(api)
	ctx := context.Background()

	sess := login(t, svc)

	c, err := svc.ToggleVip(ctx, "c1", sess.ID)
	if err != nil {
		t.Fatalf("ToggleVip: %v", err)
	}
	if c.Promotion.Kind != model.PromotionVip {
		t.Fatalf("promotion = %+v, want VIP", c.Promotion)
	}

	c, err = svc.ToggleVip(ctx, "c1", sess.ID)
	if err != nil {
		t.Fatalf("ToggleVip: %v", err)
	}
	if c.Promotion.Kind != model.PromotionNone {
		t.Fatalf("promotion = %+v, want none after second toggle", c.Promotion)
	}
}

func checkoutRequest() CheckoutRequest {
	return CheckoutRequest{Address: "Rruga 1", City: "Tirana", Phone: "+355 67"}
}

func TestCheckout_RequiresAuth(t *testing.T) {
	api := &stubAPI{}
	svc, _ := newTestService(api)

	_, err := svc.Checkout(context.Background(), "c1", "", checkoutRequest())
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
	if api.orderCalls != 0 {
		t.Fatalf("order calls = %d, want 0", api.orderCalls)
	}
}

func TestCheckout_EmptyCart(t *testing.T) {
	api := &stubAPI{loginCreds: testCredentials(0)}
	svc, _ := newTestService(api)

	sess := login(t, svc)

	_, err := svc.Checkout(context.Background(), "c1", sess.ID, checkoutRequest())
	if !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("err = %v, want ErrEmptyCart", err)
	}
	if api.orderCalls != 0 {
		t.Fatalf("order calls = %d, want 0", api.orderCalls)
	}
}

func TestCheckout_MissingFieldsNeverCallNetwork(t *testing.T) {
	api := &stubAPI{loginCreds: testCredentials(0)}
	svc, _ := newTestService(api)
	ctx := context.Background()

	sess := login(t, svc)
	if _, err := svc.AddToCart(ctx, "c1", "p1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}

	_, err := svc.Checkout(ctx, "c1", sess.ID, CheckoutRequest{City: "Tirana"})

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if len(vErr.Fields) != 2 {
		t.Fatalf("fields = %v, want address and phone", vErr.Fields)
	}
	if api.orderCalls != 0 {
		t.Fatalf("order calls = %d, want 0: validation must short-circuit", api.orderCalls)
	}

	// Корзина после неудачной валидации не тронута.
	c, _, err := svc.Cart(ctx, "c1")
	if err != nil {
		t.Fatalf("Cart: %v", err)
	}
	if len(c.Lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(c.Lines))
	}
}

func TestCheckout_Success(t *testing.T) {
	api := &stubAPI{
		loginCreds:  testCredentials(1500),
		orderResult: &upstream.OrderResult{ID: "ord-7", Points: 518},
	}
	svc, _ := newTestService(api)
	ctx := context.Background()

	sess := login(t, svc)
	if _, err := svc.AddToCart(ctx, "c1", "p1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if _, err := svc.AddToCart(ctx, "c1", "p1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if _, err := svc.AddToCart(ctx, "c1", "p2"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if _, err := svc.ToggleVip(ctx, "c1", sess.ID); err != nil {
		t.Fatalf("ToggleVip: %v", err)
	}

	conf, err := svc.Checkout(ctx, "c1", sess.ID, CheckoutRequest{
		Address: "Rruga 2", City: "Durres", Phone: "+355 69",
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if conf.OrderID != "ord-7" {
		t.Fatalf("order id = %q, want ord-7", conf.OrderID)
	}
	if conf.Total != 1800 {
		t.Fatalf("total = %d, want 1800 (2000 - 10%%)", conf.Total)
	}
	if conf.PointsEarned != 18 || conf.PointsSpent != 1000 {
		t.Fatalf("points earned/spent = %d/%d, want 18/1000", conf.PointsEarned, conf.PointsSpent)
	}
	// Баланс берётся из ответа сервера, а не из локального прогноза.
	if conf.Points != 518 {
		t.Fatalf("points = %d, want server value 518", conf.Points)
	}

	restored, err := svc.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if restored.Points != 518 {
		t.Fatalf("session points = %d, want 518", restored.Points)
	}

	c, _, err := svc.Cart(ctx, "c1")
	if err != nil {
		t.Fatalf("Cart: %v", err)
	}
	if len(c.Lines) != 0 || c.Promotion.Kind != model.PromotionNone {
		t.Fatalf("cart must be empty after checkout: %+v", c)
	}

	if !api.lastOrder.UseVipPoints || api.lastOrder.TotalPrice != 1800 {
		t.Fatalf("unexpected order payload: %+v", api.lastOrder)
	}
	if api.lastOrder.IdempotencyKey == "" {
		t.Fatalf("idempotency key must be set")
	}
	if api.profileCalls != 1 {
		t.Fatalf("profile sync calls = %d, want 1 (shipping differs from profile)", api.profileCalls)
	}
}

func TestCheckout_ProfileSyncFailureDoesNotFailOrder(t *testing.T) {
	api := &stubAPI{
		loginCreds:  testCredentials(0),
		orderResult: &upstream.OrderResult{ID: "ord-1", Points: 20},
		profileErr:  errors.New("profile endpoint down"),
	}
	svc, _ := newTestService(api)
	ctx := context.Background()

	sess := login(t, svc)
	if _, err := svc.AddToCart(ctx, "c1", "p1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}

	conf, err := svc.Checkout(ctx, "c1", sess.ID, CheckoutRequest{
		Address: "Rruga 9", Phone: "+355 68",
	})
	if err != nil {
		t.Fatalf("Checkout must succeed despite profile sync failure: %v", err)
	}
	if conf.OrderID != "ord-1" {
		t.Fatalf("order id = %q, want ord-1", conf.OrderID)
	}
}

func TestCheckout_SubmissionFailurePreservesCart(t *testing.T) {
	api := &stubAPI{
		loginCreds: testCredentials(0),
		orderErr:   errors.New("network failure"),
	}
	svc, _ := newTestService(api)
	ctx := context.Background()

	sess := login(t, svc)
	if _, err := svc.AddToCart(ctx, "c1", "p1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}

	if _, err := svc.Checkout(ctx, "c1", sess.ID, checkoutRequest()); err == nil {
		t.Fatalf("expected submission error")
	}

	c, _, err := svc.Cart(ctx, "c1")
	if err != nil {
		t.Fatalf("Cart: %v", err)
	}
	if len(c.Lines) != 1 {
		t.Fatalf("cart must be preserved after failed submission: %+v", c.Lines)
	}
}

func TestCheckout_UnauthorizedDropsSession(t *testing.T) {
	api := &stubAPI{
		loginCreds: testCredentials(0),
		orderErr:   &upstream.APIError{Status: 401, Message: "token expired"},
	}
	svc, _ := newTestService(api)
	ctx := context.Background()

	sess := login(t, svc)
	if _, err := svc.AddToCart(ctx, "c1", "p1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}

	_, err := svc.Checkout(ctx, "c1", sess.ID, checkoutRequest())
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}

	if _, err := svc.Session(ctx, sess.ID); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("stale session must be dropped, err = %v", err)
	}
}

func TestCheckout_ConcurrentInvocationSubmitsOnce(t *testing.T) {
	api := &stubAPI{
		loginCreds:  testCredentials(0),
		orderResult: &upstream.OrderResult{ID: "ord-2", Points: 8},
		orderDelay:  100 * time.Millisecond,
	}
	svc, _ := newTestService(api)
	ctx := context.Background()

	sess := login(t, svc)
	if _, err := svc.AddToCart(ctx, "c1", "p1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.Checkout(ctx, "c1", sess.ID, checkoutRequest())
			errs <- err
		}()
	}

	var rejected, succeeded int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrCheckoutInFlight):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if succeeded != 1 || rejected != 1 {
		t.Fatalf("succeeded = %d, rejected = %d, want 1/1", succeeded, rejected)
	}
	if api.orderCalls != 1 {
		t.Fatalf("order calls = %d, want exactly 1", api.orderCalls)
	}
}

func TestMyOrders_UnauthorizedDropsSession(t *testing.T) {
	api := &stubAPI{
		loginCreds:  testCredentials(0),
		myOrdersErr: &upstream.APIError{Status: 401, Message: "token expired"},
	}
	svc, _ := newTestService(api)
	ctx := context.Background()

	sess := login(t, svc)

	_, err := svc.MyOrders(ctx, sess.ID)
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
	if _, err := svc.Session(ctx, sess.ID); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("stale session must be dropped")
	}
}

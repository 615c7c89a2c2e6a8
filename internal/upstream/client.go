// Package upstream предоставляет клиент внешнего API магазина.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/Klinti13/klint-market-gateway/internal/model"
)

// ErrUnauthorized возвращается, когда внешний API отклонил токен пользователя.
var ErrUnauthorized = errors.New("upstream rejected authentication")

// APIError несёт статус и сообщение об ошибке из ответа внешнего API.
// Сообщение сервера показывается пользователю дословно, если оно есть.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// Is поддерживает errors.Is(err, ErrUnauthorized) для ответов 401.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Client инкапсулирует HTTP-взаимодействие с внешним API магазина.
// Мутации выполняются без автоматических повторов: повтор неидемпотентного
// POST после неоднозначного сбоя может продублировать заказ. Идемпотентные
// чтения ходят через retryablehttp.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryClient *retryablehttp.Client
}

// NewClient создаёт клиент внешнего API по указанному адресу.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryClient: rc,
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// apiError разбирает тело ответа с ошибкой. При отсутствии поля message
// подставляется общий текст.
func apiError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(data, &body)

	msg := strings.TrimSpace(body.Message)
	if msg == "" {
		msg = "market API request failed"
	}

	return &APIError{Status: resp.StatusCode, Message: msg}
}

// credentialsPayload — ответ внешнего API на успешную аутентификацию.
type credentialsPayload struct {
	ID      string `json:"_id"`
	Name    string `json:"name"`
	Token   string `json:"token"`
	IsAdmin bool   `json:"isAdmin"`
	Points  int64  `json:"points"`
	Address string `json:"address"`
	City    string `json:"city"`
	Phone   string `json:"phone"`
}

// Credentials — данные пользователя, выданные внешним API при входе.
type Credentials struct {
	UserID  string
	Name    string
	Token   string
	IsAdmin bool
	Points  int64
	Profile model.ShippingProfile
}

func (p credentialsPayload) credentials() *Credentials {
	return &Credentials{
		UserID:  p.ID,
		Name:    p.Name,
		Token:   p.Token,
		IsAdmin: p.IsAdmin,
		Points:  p.Points,
		Profile: model.ShippingProfile{
			Address: p.Address,
			City:    p.City,
			Phone:   p.Phone,
		},
	}
}

func (c *Client) postJSON(ctx context.Context, path, token string, in, out any) error {
	return c.writeJSON(ctx, http.MethodPost, path, token, in, out)
}

func (c *Client) writeJSON(ctx context.Context, method, path, token string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return apiError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path, token string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.retryClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Login выполняет вход пользователя по email и паролю.
func (c *Client) Login(ctx context.Context, email, password string) (*Credentials, error) {
	in := map[string]string{"email": email, "password": password}

	var out credentialsPayload
	if err := c.postJSON(ctx, "/api/users/login", "", in, &out); err != nil {
		return nil, err
	}
	return out.credentials(), nil
}

// Register регистрирует пользователя. Подтверждение происходит отдельным
// шагом по одноразовому коду, отправленному на почту.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	in := map[string]string{"name": name, "email": email, "password": password}
	return c.postJSON(ctx, "/api/users/register", "", in, nil)
}

// VerifyOTP подтверждает регистрацию одноразовым кодом. Ответ совпадает
// по форме с ответом на вход.
func (c *Client) VerifyOTP(ctx context.Context, email, otp string) (*Credentials, error) {
	in := map[string]string{"email": email, "otp": otp}

	var out credentialsPayload
	if err := c.postJSON(ctx, "/api/users/verify-otp", "", in, &out); err != nil {
		return nil, err
	}
	return out.credentials(), nil
}

// UpdateProfile сохраняет данные доставки в профиле пользователя.
func (c *Client) UpdateProfile(ctx context.Context, token string, p model.ShippingProfile) (model.ShippingProfile, error) {
	in := map[string]string{"address": p.Address, "city": p.City, "phone": p.Phone}

	var out struct {
		Address string `json:"address"`
		City    string `json:"city"`
		Phone   string `json:"phone"`
	}
	if err := c.writeJSON(ctx, http.MethodPut, "/api/users/profile", token, in, &out); err != nil {
		return model.ShippingProfile{}, err
	}
	return model.ShippingProfile{Address: out.Address, City: out.City, Phone: out.Phone}, nil
}

// productPayload — запись товара во внешнем API. Имена полей сервера
// отличаются от доменных, отображение выполняется на этой границе.
type productPayload struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	OldPrice *int64 `json:"oldPrice"`
	Category string `json:"category"`
	Image    string `json:"image"`
	Badge    string `json:"badge"`
}

// Products загружает каталог товаров целиком.
func (c *Client) Products(ctx context.Context) ([]model.Product, error) {
	var payload []productPayload
	if err := c.getJSON(ctx, "/api/products", "", &payload); err != nil {
		return nil, err
	}

	products := make([]model.Product, 0, len(payload))
	for _, p := range payload {
		if p.ID == "" {
			continue
		}
		products = append(products, model.Product{
			ID:       model.ProductID(p.ID),
			Name:     p.Name,
			Price:    p.Price,
			OldPrice: p.OldPrice,
			Category: p.Category,
			Image:    p.Image,
			Badge:    p.Badge,
		})
	}
	return products, nil
}

// OrderRequest — полезная нагрузка создания заказа. Ключ идемпотентности
// генерируется на каждую попытку оформления, дедупликация — на стороне сервера.
type OrderRequest struct {
	IdempotencyKey  string                `json:"idempotencyKey"`
	OrderItems      []model.OrderItem     `json:"orderItems"`
	ShippingAddress model.ShippingProfile `json:"shippingAddress"`
	TotalPrice      int64                 `json:"totalPrice"`
	UseVipPoints    bool                  `json:"useVipPoints,omitempty"`
}

// OrderResult — подтверждение заказа. Поле points — новый авторитетный
// баланс баллов пользователя.
type OrderResult struct {
	ID     string `json:"_id"`
	Points int64  `json:"points"`
}

// CreateOrder отправляет заказ во внешний API. Запрос выполняется ровно
// один раз, без автоматических повторов.
func (c *Client) CreateOrder(ctx context.Context, token string, order OrderRequest) (*OrderResult, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/orders"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", order.IdempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp)
	}

	var result OrderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// orderPayload — запись заказа из истории во внешнем API.
type orderPayload struct {
	ID         string `json:"_id"`
	TotalPrice int64  `json:"totalPrice"`
	Status     string `json:"status"`
	CreatedAt  string `json:"createdAt"`
	OrderItems []struct {
		Product string `json:"product"`
		Name    string `json:"name"`
		Price   int64  `json:"price"`
		Qty     int    `json:"qty"`
		Image   string `json:"image"`
	} `json:"orderItems"`
}

// MyOrders возвращает историю заказов пользователя.
func (c *Client) MyOrders(ctx context.Context, token string) ([]model.Order, error) {
	var payload []orderPayload
	if err := c.getJSON(ctx, "/api/orders/myorders", token, &payload); err != nil {
		return nil, err
	}

	orders := make([]model.Order, 0, len(payload))
	for _, o := range payload {
		// Битая метка времени не делает заказ нечитаемым: остаётся нулевая.
		createdAt, _ := time.Parse(time.RFC3339, o.CreatedAt)

		items := make([]model.OrderItem, 0, len(o.OrderItems))
		for _, it := range o.OrderItems {
			items = append(items, model.OrderItem{
				ProductID: model.ProductID(it.Product),
				Name:      it.Name,
				Price:     it.Price,
				Qty:       it.Qty,
				Image:     it.Image,
			})
		}

		orders = append(orders, model.Order{
			ID:        o.ID,
			Items:     items,
			Total:     o.TotalPrice,
			Status:    o.Status,
			CreatedAt: createdAt,
		})
	}
	return orders, nil
}

// Package model содержит доменные сущности шлюза klint-market.
package model

import "time"

// ProductID — идентификатор товара, присваиваемый внешним API.
type ProductID string

// Product представляет товар каталога. С точки зрения шлюза неизменяем,
// обновляется целиком при перечитывании каталога из внешнего API.
type Product struct {
	ID       ProductID `json:"id"`
	Name     string    `json:"name"`
	Price    int64     `json:"price"` // цена в леках, дробной части нет
	OldPrice *int64    `json:"old_price,omitempty"`
	Category string    `json:"category"`
	Image    string    `json:"image"`
	Badge    string    `json:"badge,omitempty"`
}

// PromotionKind описывает вид действующего механизма скидки.
type PromotionKind string

const (
	PromotionNone PromotionKind = "NONE"
	PromotionCode PromotionKind = "CODE"
	PromotionVip  PromotionKind = "VIP"
)

// Promotion описывает активную скидку корзины. Механизмы взаимоисключающие:
// структура не может представлять код и списание баллов одновременно.
type Promotion struct {
	Kind PromotionKind `json:"kind"`
	Code string        `json:"code,omitempty"` // заполнен только при Kind == PromotionCode
}

// CartLine — позиция корзины: снимок товара и количество (не меньше 1).
type CartLine struct {
	Product Product `json:"product"`
	Qty     int     `json:"qty"`
}

// Cart — корзина покупателя вместе с активной скидкой.
type Cart struct {
	Lines     []CartLine `json:"lines"`
	Promotion Promotion  `json:"promotion"`
}

// ShippingProfile — данные доставки из профиля пользователя.
type ShippingProfile struct {
	Address string `json:"address"`
	City    string `json:"city"`
	Phone   string `json:"phone"`
}

// Session представляет сессию аутентифицированного пользователя.
// Баланс баллов изменяется только ответом внешнего API: подтверждением
// заказа либо явным редактированием профиля.
type Session struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Name      string          `json:"name"`
	Token     string          `json:"token"`
	IsAdmin   bool            `json:"is_admin"`
	Points    int64           `json:"points"`
	Profile   ShippingProfile `json:"profile"`
	CreatedAt time.Time       `json:"created_at"`
}

// Quote — расчёт стоимости корзины движком лояльности.
type Quote struct {
	Subtotal     int64     `json:"subtotal"`
	Discount     int64     `json:"discount"`
	Total        int64     `json:"total"`
	PointsEarned int64     `json:"points_earned"`
	Promotion    Promotion `json:"promotion"`
}

// OrderItem — снимок позиции заказа на момент оформления.
type OrderItem struct {
	ProductID ProductID `json:"product_id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Qty       int       `json:"qty"`
	Image     string    `json:"image"`
}

// Order — заказ из истории пользователя. Идентификатор, статус и время
// принадлежат внешнему API, шлюз их не придумывает и не меняет.
type Order struct {
	ID        string      `json:"id"`
	Items     []OrderItem `json:"items"`
	Total     int64       `json:"total"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Confirmation — итог успешно оформленного заказа.
type Confirmation struct {
	OrderID      string `json:"order_id"`
	Total        int64  `json:"total"`
	PointsEarned int64  `json:"points_earned"`
	PointsSpent  int64  `json:"points_spent"`
	Points       int64  `json:"points"` // новый подтверждённый сервером баланс
}

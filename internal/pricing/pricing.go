// Package pricing реализует движок лояльности и скидок.
package pricing

import (
	"errors"
	"strings"

	"github.com/Klinti13/klint-market-gateway/internal/model"
)

// Оба механизма скидки дают фиксированные 10%. Списание баллов VIP
// становится доступно с 1000 баллов и стоит ровно 1000 баллов,
// фактически их списывает внешний API при подтверждении заказа.
const (
	discountPercent = 10

	// VipPointsRequired — минимальный баланс для включения VIP-скидки.
	VipPointsRequired int64 = 1000
	// VipPointsCost — сколько баллов списывается при оформлении заказа с VIP-скидкой.
	VipPointsCost int64 = 1000
)

// Фиксированный список принимаемых промокодов, сравнение без учёта регистра.
var promoCodes = map[string]bool{
	"KLINT10": true,
	"BONUS":   true,
}

// ErrInvalidCode возвращается для промокода вне списка принимаемых.
var (
	ErrInvalidCode = errors.New("promo code is not valid")
	// ErrNotEnoughPoints возвращается при включении VIP-скидки с балансом меньше порога.
	ErrNotEnoughPoints = errors.New("not enough points for vip discount")
)

// ApplyCode проверяет промокод и возвращает новое состояние скидки.
// Каждый вызов вычисляет состояние заново: неверный код сбрасывает скидку
// в ноль, верный устанавливает фиксированные 10%. Ранее активный механизм,
// включая VIP-списание, при этом полностью замещается.
func ApplyCode(code string) (model.Promotion, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if !promoCodes[normalized] {
		return model.Promotion{Kind: model.PromotionNone}, ErrInvalidCode
	}
	return model.Promotion{Kind: model.PromotionCode, Code: normalized}, nil
}

// ToggleVip переключает VIP-списание баллов. Повторное включение выключает
// скидку; включение поверх промокода замещает его. Баланс меньше порога
// не позволяет включить скидку, баллы при переключении не списываются.
func ToggleVip(current model.Promotion, points int64) (model.Promotion, error) {
	if current.Kind == model.PromotionVip {
		return model.Promotion{Kind: model.PromotionNone}, nil
	}
	if points < VipPointsRequired {
		return current, ErrNotEnoughPoints
	}
	return model.Promotion{Kind: model.PromotionVip}, nil
}

// Shortfall возвращает, сколько баллов не хватает до VIP-порога.
func Shortfall(points int64) int64 {
	if points >= VipPointsRequired {
		return 0
	}
	return VipPointsRequired - points
}

// QuoteFor вычисляет стоимость корзины: промежуточный итог, сумму скидки
// и итог к оплате. Цены целые в леках, скидка считается целочисленно.
func QuoteFor(c model.Cart) model.Quote {
	var subtotal int64
	for _, l := range c.Lines {
		subtotal += l.Product.Price * int64(l.Qty)
	}

	var discount int64
	if c.Promotion.Kind != model.PromotionNone {
		discount = subtotal * discountPercent / 100
	}

	total := subtotal - discount

	return model.Quote{
		Subtotal:     subtotal,
		Discount:     discount,
		Total:        total,
		PointsEarned: PointsEarned(total),
		Promotion:    c.Promotion,
	}
}

// PointsEarned возвращает число баллов за покупку: один балл за каждые
// полные 100 лек итоговой суммы. Значение справочное, фактический баланс
// всегда берётся из ответа внешнего API после оформления заказа.
func PointsEarned(total int64) int64 {
	if total <= 0 {
		return 0
	}
	return total / 100
}
